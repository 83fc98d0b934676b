// Package etcdtest runs a throw-away `etcd` process for the tests of a
// package, and hands out clients of it.
package etcdtest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// TestClient returns a client of the package's `etcd` process. The keyspace
// must be empty on entry, and is cleared again when |t| completes.
func TestClient(t testing.TB) *clientv3.Client {
	if _srv == nil {
		t.Fatal("etcdtest: TestMainWithEtcd was not called")
	}
	var resp, err = _srv.client.Get(context.Background(), "",
		clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		t.Fatal(err)
	} else if resp.Count != 0 {
		t.Fatalf("etcdtest: keyspace holds %d keys; did a previous test leak fixtures?", resp.Count)
	}

	t.Cleanup(func() {
		if _, err := _srv.client.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
			t.Errorf("etcdtest: clearing keyspace: %v", err)
		}
	})
	return _srv.client
}

// TestMainWithEtcd runs the tests of a package against a private `etcd`:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
//
// The process listens on a unix socket within a temporary directory, which
// is removed once the tests complete.
func TestMainWithEtcd(m *testing.M) {
	var srv, err = start()
	if err != nil {
		log.WithField("err", err).Fatal("failed to start etcd")
	}
	_srv = srv

	var code = m.Run()
	srv.stop()
	os.Exit(code)
}

type server struct {
	dir    string
	cmd    *exec.Cmd
	client *clientv3.Client
}

var _srv *server

func start() (*server, error) {
	var dir, err = os.MkdirTemp("", "etcdtest")
	if err != nil {
		return nil, err
	}
	var s = &server{dir: dir}

	s.cmd = exec.Command("etcd",
		"--data-dir", filepath.Join(dir, "data"),
		"--listen-peer-urls", "unix://peer.sock:0",
		"--listen-client-urls", "unix://client.sock:0",
		"--advertise-client-urls", "unix://client.sock:0",
	)
	s.cmd.Dir = dir
	s.cmd.Env = append(os.Environ(), "ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap")
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr
	s.cmd.SysProcAttr = sysProcAttr()

	if err = s.cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	var ep = "unix://" + filepath.Join(dir, "client.sock:0")
	log.WithFields(log.Fields{"pid": s.cmd.Process.Pid, "endpoint": ep}).Info("started etcd")

	if s.client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{ep},
		DialTimeout: 5 * time.Second,
	}); err != nil {
		s.stop()
		return nil, err
	}
	return s, nil
}

func (s *server) stop() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		log.WithField("err", err).Warn("failed to signal etcd")
	}
	_ = s.cmd.Wait()

	if err := os.RemoveAll(s.dir); err != nil {
		log.WithFields(log.Fields{"dir": s.dir, "err": err}).Warn("failed to remove etcd directory")
	}
}
