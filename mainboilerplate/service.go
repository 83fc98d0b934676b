package mainboilerplate

import (
	"fmt"
	"net"
	"os"

	petname "github.com/dustinkirkland/golang-petname"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/server"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port uint16 `long:"port" env:"PORT" description:"Service port for HTTP and gRPC requests. A random port is used if not set"`
}

// ProcessID returns the ID of the ServiceConfig, generating one if not set.
func (cfg *ServiceConfig) ProcessID() string {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	return cfg.ID
}

// AdvertisedEndpoint of the Server, which replicas use to reach this process.
func (cfg *ServiceConfig) AdvertisedEndpoint(srv *server.Server) pb.Endpoint {
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	var port int
	if addr, ok := srv.RawListener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return pb.Endpoint(fmt.Sprintf("http://%s:%d", cfg.Host, port))
}
