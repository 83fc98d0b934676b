// Package server bundles the gRPC and HTTP servers of a process, multiplexed
// over a single bound socket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
	"go.pagestream.dev/core/keepalive"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/task"
	"google.golang.org/grpc"
	grpcKeepalive "google.golang.org/grpc/keepalive"
)

// Server bundles gRPC & HTTP servers, multiplexed over a single bound TCP
// socket (using CMux).
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// CMux wraps RawListener to provide connection protocol multiplexing over
	// a single bound socket.
	CMux cmux.CMux
	// GRPCListener is a CMux Listener for gRPC connections.
	GRPCListener net.Listener
	// HTTPListener is a CMux Listener for HTTP connections.
	HTTPListener net.Listener
	// HTTPMux is the http.ServeMux which is served by the Server.
	HTTPMux *http.ServeMux
	// GRPCServer is the gRPC server which is served by the Server.
	GRPCServer *grpc.Server
	// Ctx is cancelled when the Server begins to stop.
	Ctx context.Context
	// StopTimeout bounds a graceful stop of the GRPCServer, after which
	// remaining streams are forcibly closed.
	StopTimeout time.Duration

	cancel context.CancelFunc
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be zero, in which case a random free port is assigned.
// The HTTPMux is http.DefaultServeMux, which also serves diagnostics.
func New(iface string, port uint16) (*Server, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		HTTPMux: http.DefaultServeMux,
		GRPCServer: grpc.NewServer(
			grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
			grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
			grpc.KeepaliveEnforcementPolicy(grpcKeepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		),
		RawListener: raw.(*net.TCPListener),
		Ctx:         ctx,
		StopTimeout: 30 * time.Second,
		cancel:      cancel,
	}
	srv.CMux = cmux.New(keepalive.TCPListener{TCPListener: srv.RawListener})

	srv.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("failed to CMux client connection to a listener")
		}
		return true // Continue serving RawListener.
	})

	// GRPCListener sniffs for HTTP/2 in-the-clear connections which have
	// "Content-Type: application/grpc". Note this matcher will send an initial
	// empty SETTINGS frame to the client, as gRPC clients delay the first
	// request until the HTTP/2 handshake has completed.
	srv.GRPCListener = srv.CMux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))

	// Connections sending HTTP/1 verbs (GET, PUT, POST etc) are assumed to be HTTP.
	srv.HTTPListener = srv.CMux.Match(cmux.HTTP1Fast())

	return srv, nil
}

// Endpoint of the Server.
func (s *Server) Endpoint() pb.Endpoint {
	return pb.Endpoint("http://" + s.RawListener.Addr().String())
}

// QueueTasks serving the CMux, HTTP, and gRPC component servers onto the
// task.Group. The Server stops when the task.Group is cancelled.
func (s *Server) QueueTasks(tg *task.Group) {
	grpc_prometheus.Register(s.GRPCServer)

	tg.Queue("CMux.Serve", func() error {
		if err := s.CMux.Serve(); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after stop.
	})
	tg.Queue("http.Serve", func() error {
		if err := http.Serve(s.HTTPListener, s.HTTPMux); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after stop.
	})
	tg.Queue("GRPCServer.Serve", func() error {
		if err := s.GRPCServer.Serve(s.GRPCListener); err != grpc.ErrServerStopped {
			return err
		}
		return nil // Stop was called before Serve.
	})
	tg.Queue("GRPCServer.GracefulStop", func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.
		s.GracefulStop()
		return nil
	})
}

// GracefulStop the Server. Streams still open after StopTimeout are closed.
func (s *Server) GracefulStop() {
	// GRPCServer.GracefulStop will close GRPCListener, which closes RawListener.
	// Cancel |s.Ctx| so Serve loops recognize this as a graceful closure.
	s.cancel()

	var timer = time.AfterFunc(s.StopTimeout, func() {
		log.WithField("timeout", s.StopTimeout).Warn("gRPC graceful stop timed out; forcing")
		s.GRPCServer.Stop()
	})
	s.GRPCServer.GracefulStop()
	timer.Stop()

	_ = s.RawListener.Close()
}
