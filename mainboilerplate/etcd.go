package mainboilerplate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.pagestream.dev/core/protocol"
	"google.golang.org/grpc"
)

// EtcdConfig configures the process's Etcd client.
type EtcdConfig struct {
	Address       pb.Endpoint   `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd endpoint (http, https or unix)"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" description:"Client TLS certificate, for https endpoints"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" description:"Client TLS private key, for https endpoints"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" description:"CA which signs Etcd server certificates"`
	Timeout       time.Duration `long:"timeout" env:"TIMEOUT" default:"20s" description:"Bound on Etcd dials and keep-alives"`
}

// clientConfig maps EtcdConfig into a client configuration.
func (c *EtcdConfig) clientConfig() (clientv3.Config, error) {
	if err := c.Address.Validate(); err != nil {
		return clientv3.Config{}, pb.ExtendContext(err, "Address")
	}
	var addr = c.Address.URL()
	var cfg = clientv3.Config{
		// Sync cluster membership, so that a partitioned member may be routed around.
		AutoSyncInterval:     time.Minute,
		DialTimeout:          c.Timeout / 4,
		DialKeepAliveTime:    c.Timeout / 4,
		DialKeepAliveTimeout: c.Timeout / 4,
		RejectOldCluster:     true,
	}

	switch addr.Scheme {
	case "https":
		var tlsCfg, err = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}.ClientConfig()
		if err != nil {
			return clientv3.Config{}, errors.WithMessage(err, "building TLS config")
		}
		cfg.TLS = tlsCfg
	case "unix":
		addr.Host = "" // The client expects unix:///path/to/socket.
	}
	cfg.Endpoints = []string{addr.String()}

	return cfg, nil
}

// Dial Etcd, blocking until it's reachable or |ctx| is done. The client's
// member list is synced before it's returned.
func (c *EtcdConfig) Dial(ctx context.Context) (*clientv3.Client, error) {
	var cfg, err = c.clientConfig()
	if err != nil {
		return nil, err
	}
	var slow = time.AfterFunc(time.Second, func() {
		log.WithField("endpoints", cfg.Endpoints).Warn("still dialing Etcd (is the network okay?)")
	})
	defer slow.Stop()

	// A blocking trial dial. Waiting out a partition or misconfiguration here
	// beats exiting into a crash loop, as there's nothing else to do.
	var trial = cfg
	trial.Context = ctx
	trial.DialTimeout = 0
	trial.DialOptions = append(trial.DialOptions, grpc.WithBlock())

	trialClient, err := clientv3.New(trial)
	if err != nil {
		return nil, errors.WithMessage(err, "trial dial of Etcd")
	}
	_ = trialClient.Close()

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "building Etcd client")
	}
	if err = client.Sync(ctx); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "syncing Etcd members")
	}
	return client, nil
}

// MustDial is Dial, which panics on error.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var client, err = c.Dial(context.Background())
	Must(err, "failed to dial Etcd", "address", c.Address)
	return client
}
