package mainboilerplate

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/server"
)

func TestConfigParsesFromEnvironmentAndFlags(t *testing.T) {
	var cfg struct {
		Service ServiceConfig `group:"Service" namespace:"service" env-namespace:"SERVICE"`
		Etcd    EtcdConfig    `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
		Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
	}
	t.Setenv("SERVICE_HOST", "replica-3")
	t.Setenv("LOG_LEVEL", "debug")

	var parser = flags.NewParser(&cfg, flags.None)
	var _, err = parser.ParseArgs([]string{"--service.port=8080", "--log.format=json"})
	require.NoError(t, err)

	require.Equal(t, "replica-3", cfg.Service.Host)
	require.Equal(t, uint16(8080), cfg.Service.Port)
	require.Equal(t, pb.Endpoint("http://localhost:2379"), cfg.Etcd.Address)
	require.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	_, err = parser.ParseArgs([]string{"--log.level=verbose"})
	require.Error(t, err)
}

func TestInitLog(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	InitLog(LogConfig{Level: "warn", Format: "json"})
	require.Equal(t, log.WarnLevel, log.GetLevel())
	require.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	InitLog(LogConfig{Level: "debug", Format: "text", Caller: true})
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.True(t, log.StandardLogger().ReportCaller)

	log.SetReportCaller(false)
}

func TestConfigSearchPaths(t *testing.T) {
	t.Setenv(configEnvVar, "")
	var paths = configSearchPaths("pagestream.ini")
	require.Equal(t, "pagestream.ini", paths[0])

	t.Setenv(configEnvVar, "/etc/pagestream/custom.ini")
	paths = configSearchPaths("pagestream.ini")
	require.Equal(t, []string{"/etc/pagestream/custom.ini", "pagestream.ini"}, paths[:2])
}

func TestServiceIdentity(t *testing.T) {
	var cfg = ServiceConfig{Host: "primary-1"}
	var id = cfg.ProcessID()
	require.NotEmpty(t, id)
	require.Equal(t, id, cfg.ProcessID()) // Stable once generated.

	var srv, err = server.New("127.0.0.1", 0)
	require.NoError(t, err)
	defer srv.RawListener.Close()

	var port = srv.RawListener.Addr().(*net.TCPAddr).Port
	require.Equal(t, pb.Endpoint("http://primary-1:"+strconv.Itoa(port)), cfg.AdvertisedEndpoint(srv))
}

func TestEtcdClientConfig(t *testing.T) {
	var cfg = EtcdConfig{Address: "unix://localhost/var/run/etcd.sock", Timeout: 20 * time.Second}
	var out, err = cfg.clientConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"unix:///var/run/etcd.sock"}, out.Endpoints)
	require.Equal(t, 5*time.Second, out.DialTimeout)
	require.Nil(t, out.TLS)

	cfg.Address = "http://etcd:2379"
	out, err = cfg.clientConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"http://etcd:2379"}, out.Endpoints)

	cfg.Address = "etcd:2379"
	_, err = cfg.clientConfig()
	require.Error(t, err)

	cfg.Address, cfg.CertFile = "https://etcd:2379", "/does/not/exist.pem"
	_, err = cfg.clientConfig()
	require.Error(t, err)
}

func TestMust(t *testing.T) {
	require.NotPanics(t, func() { Must(nil, "no error") })
	require.Panics(t, func() { Must(net.ErrClosed, "closed", "key", "value") })
}
