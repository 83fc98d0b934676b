package primary

import (
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
	"google.golang.org/grpc/peer"
)

// Mux routes replication streams to the Service of their database.
// It implements pb.ReplicationServer and http.Handler.
type Mux struct {
	mu       sync.RWMutex
	services map[pb.DatabaseID]*Service
	http     *http.ServeMux
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	var m = &Mux{services: make(map[pb.DatabaseID]*Service)}
	m.http = m.httpMux()
	return m
}

// Register the Service with the Mux, replacing any prior Service of its database.
func (m *Mux) Register(svc *Service) {
	m.mu.Lock()
	m.services[svc.Database()] = svc
	m.mu.Unlock()
}

// Deregister the Service, if it's currently registered.
func (m *Mux) Deregister(svc *Service) {
	m.mu.Lock()
	if m.services[svc.Database()] == svc {
		delete(m.services, svc.Database())
	}
	m.mu.Unlock()
}

// Lookup the Service of the database.
func (m *Mux) Lookup(db pb.DatabaseID) (*Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var svc, ok = m.services[db]
	return svc, ok
}

// Stream dispatches the Replication Stream API.
func (m *Mux) Stream(stream pb.Replication_StreamServer) (err error) {
	var req *pb.StreamRequest
	defer instrumentStream("grpc", &err)()

	defer func() {
		if err != nil {
			var addr net.Addr
			if p, ok := peer.FromContext(stream.Context()); ok {
				addr = p.Addr
			}
			log.WithFields(log.Fields{"err": err, "req": req, "client": addr}).
				Warn("served Stream RPC failed")
		}
	}()

	if req, err = stream.Recv(); err != nil {
		return err
	} else if err = req.Validate(); err != nil {
		return err
	} else if req.Hello == nil {
		return errors.New("expected Hello as first StreamRequest")
	}

	var svc, ok = m.Lookup(req.Hello.Database)
	if !ok {
		return stream.Send(&pb.StreamResponse{Status: pb.Status_DATABASE_NOT_FOUND})
	}
	addTrace(stream.Context(), "Stream(%s, %d)", req.Hello.Database, req.Hello.RequestedSequence)

	return pb.SuppressCancellationError(svc.ServeStream(stream, req.Hello))
}

func instrumentStream(transport string, err *error) func() {
	streamsStartedTotal.WithLabelValues(transport).Inc()

	return func() {
		var status = "ok"
		if *err != nil {
			status = "<error>"
		}
		streamsCompletedTotal.WithLabelValues(transport, status).Inc()
	}
}
