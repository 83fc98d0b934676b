package main

import (
	"context"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.pagestream.dev/core/discovery"
	mbp "go.pagestream.dev/core/mainboilerplate"
	"go.pagestream.dev/core/node"
	"go.pagestream.dev/core/primary"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/replica"
	"go.pagestream.dev/core/server"
	"go.pagestream.dev/core/task"
)

const iniFilename = "pagestream.ini"

// Config is the top-level configuration object of a pagestream node.
var Config = new(struct {
	Service mbp.ServiceConfig `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Node struct {
		Databases string `long:"databases" env:"DATABASES" default:"databases.yaml" description:"Path to the YAML specifications of served databases"`
		DialCache int    `long:"dial-cache" env:"DIAL_CACHE" default:"64" description:"Number of primary connections cached by replicas"`
	} `group:"Node" namespace:"node" env-namespace:"NODE"`

	Stores struct {
		FileRoot          string `long:"file-root" env:"FILE_ROOT" default:"/" description:"Local directory which roots the paths of file:// backup stores"`
		DisableSignedURLs bool   `long:"disable-signed-urls" env:"DISABLE_SIGNED_URLS" description:"Report unsigned object URLs, for stores which are publicly readable"`
	} `group:"Stores" namespace:"stores" env-namespace:"STORES"`

	Etcd struct {
		mbp.EtcdConfig
		Enabled  bool          `long:"enabled" env:"ENABLED" description:"Announce and discover primaries through Etcd, rather than static replica configuration"`
		Prefix   string        `long:"prefix" env:"PREFIX" default:"/pagestream/databases" description:"Etcd base prefix of announced primaries"`
		LeaseTTL time.Duration `long:"lease" env:"LEASE_TTL" default:"20s" description:"Time-to-live of announced primary keys"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)
	registerStores()

	log.WithFields(log.Fields{
		"config":  Config,
		"version": mbp.Version,
		"id":      Config.Service.ProcessID(),
	}).Info("starting pagestream node")

	var fin, err = os.Open(Config.Node.Databases)
	mbp.Must(err, "failed to open database specifications")
	specs, err := node.LoadSpecs(fin)
	mbp.Must(err, "failed to load database specifications", "path", Config.Node.Databases)
	_ = fin.Close()

	srv, err := server.New("", Config.Service.Port)
	mbp.Must(err, "building Server instance")

	var (
		advertised = Config.Service.AdvertisedEndpoint(srv)
		mux        = primary.NewMux()
		registry   = node.NewRegistry()
		dialer     = replica.NewDialer(Config.Node.DialCache)
		tasks      = task.NewGroup(context.Background())
		etcd       *clientv3.Client
	)
	defer dialer.Close()

	// Nodes run in their own task.Group, which is stopped ahead of the
	// Server so that primaries may drain their replicas.
	var nodeCtx, stopNodes = context.WithCancel(context.Background())
	var nodes = task.NewGroup(nodeCtx)

	pb.RegisterReplicationServer(srv.GRPCServer, mux)
	srv.HTTPMux.Handle("/v1/replication/", mux)
	srv.HTTPMux.Handle("/debug/pagestream", registry)
	srv.HTTPMux.Handle("/debug/pagestream/", registry)

	if Config.Etcd.Enabled {
		etcd = Config.Etcd.MustDial()
		Config.Etcd.Prefix = path.Clean(Config.Etcd.Prefix)
	}

	for _, spec := range specs {
		var services = node.Services{Mux: mux, Dialer: dialer}

		if etcd != nil && spec.Role == node.RoleReplica {
			var resolver = discovery.NewEtcd(etcd, Config.Etcd.Prefix, spec.Database)
			services.Resolver = resolver

			nodes.Queue("discovery.Watch "+spec.Database.String(), func() error {
				return pb.SuppressCancellationError(resolver.Watch(nodes.Context()))
			})
		}

		var n, err = node.Open(nodes.Context(), spec, services)
		mbp.Must(err, "failed to open database node", "database", spec.Database)
		registry.Add(n)

		nodes.Queue("node.Serve "+spec.Database.String(), func() error {
			defer func() {
				if err := n.Close(); err != nil {
					log.WithFields(log.Fields{"database": spec.Database, "err": err}).
						Warn("failed to close node")
				}
			}()
			return n.Serve(nodes.Context())
		})

		if etcd != nil && spec.Role == node.RolePrimary {
			var key = discovery.PrimaryKey(Config.Etcd.Prefix, spec.Database)

			nodes.Queue("discovery.Announce "+spec.Database.String(), func() error {
				return discovery.Announce(nodes.Context(), etcd, key, advertised, Config.Etcd.LeaseTTL)
			})
		}
	}

	srv.QueueTasks(tasks)
	tasks.Queue("nodes", func() error {
		nodes.GoRun()
		var err = nodes.Wait()
		tasks.Cancel() // Stop the Server once nodes have exited.
		return err
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			stopNodes()
		case <-tasks.Context().Done():
			stopNodes()
		}
		return nil
	})

	log.WithFields(log.Fields{
		"endpoint":  advertised,
		"databases": len(specs),
	}).Info("serving pagestream node")

	tasks.GoRun()
	mbp.Must(tasks.Wait(), "node task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve databases as a pagestream node", `
Serve the databases of --node.databases, as primaries or replicas, until
signaled to exit (via SIGTERM). Upon receiving a signal, primaries drain
their replicas and ship remaining frames to backup stores before exiting.
`, &cmdServe{})

	var backups, _ = parser.AddCommand("backups", "Inspect database backups", "", &struct{}{})
	_, _ = backups.AddCommand("list", "List backup objects of a database", `
List the snapshot and batch objects of a database, across its backup stores.
`, &cmdBackupsList{})

	_, _ = parser.AddCommand("restore", "Restore a database from backup", `
Restore the latest state of a database from its backup stores, into a SQLite
page store at --out. An existing page store is caught up from its watermark.
`, &cmdRestore{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
