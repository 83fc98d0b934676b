package primary

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/framelog"
	pb "go.pagestream.dev/core/protocol"
	"google.golang.org/grpc/peer"
)

// Config configures a Service.
type Config struct {
	// BufferFrames is the capacity of each cursor's queue of frames read
	// from the Log but not yet sent. If zero, DefaultBufferFrames is used.
	BufferFrames int `yaml:"buffer_frames"`
	// MaxLagFrames is the number of frames by which a cursor, having
	// caught up with the committed head, may fall behind it before it's
	// closed. It should exceed the size of the largest transaction.
	// Zero disables the ceiling.
	MaxLagFrames uint64 `yaml:"max_lag_frames"`
}

// DefaultBufferFrames is the default BufferFrames of a Config.
const DefaultBufferFrames = 256

// Service serves replication streams of a database's Log.
type Service struct {
	database   pb.DatabaseID
	log        *framelog.Log
	cfg        Config
	generation string

	drainOnce sync.Once
	drainCh   chan struct{}
	stopCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	cursors map[*cursor]struct{}
	nextID  int64
}

// NewService returns a Service of the database Log. Each Service mints a new
// generation identifier, which is advertised to replicas.
func NewService(database pb.DatabaseID, l *framelog.Log, cfg Config) *Service {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = DefaultBufferFrames
	}
	var stopCtx, stop = context.WithCancel(context.Background())

	return &Service{
		database:   database,
		log:        l,
		cfg:        cfg,
		generation: uuid.New().String(),
		drainCh:    make(chan struct{}),
		stopCtx:    stopCtx,
		stop:       stop,
		cursors:    make(map[*cursor]struct{}),
	}
}

// Database returns the DatabaseID of the Service.
func (svc *Service) Database() pb.DatabaseID { return svc.database }

// Generation returns the generation identifier of the Service.
func (svc *Service) Generation() string { return svc.generation }

// Header returns a current Header of the Service's Log.
func (svc *Service) Header() pb.Header {
	var earliest, committed = svc.log.Bounds()

	return pb.Header{
		Database:         svc.database,
		Generation:       svc.generation,
		EarliestRetained: earliest,
		Committed:        committed,
	}
}

// ServeStream serves a replication stream which has sent |hello|.
// It returns after sending a terminal status, or when the stream breaks.
func (svc *Service) ServeStream(stream pb.Replication_StreamServer, hello *pb.Hello) error {
	var hdr = svc.Header()
	var status = checkRequested(hello.RequestedSequence, hdr)

	var addr string
	if p, ok := peer.FromContext(stream.Context()); ok {
		addr = p.Addr.String()
	}
	var c *cursor
	if status == pb.Status_OK {
		if c = svc.register(addr, hello.RequestedSequence); c == nil {
			status = pb.Status_CLOSED // Draining.
		}
	}
	if status != pb.Status_OK {
		cursorsClosedTotal.WithLabelValues(svc.database.String(), closeReason(status)).Inc()
		return stream.Send(&pb.StreamResponse{Status: status, Header: &hdr, Committed: hdr.Committed})
	}
	defer svc.deregister(c)

	if err := stream.Send(&pb.StreamResponse{Status: pb.Status_OK, Header: &hdr, Committed: hdr.Committed}); err != nil {
		return err
	}
	return c.serve(stream)
}

// Pull returns up to |max| committed frames beginning at |from|, and the
// committed head. If |from| is before the retained window, an error wrapping
// ErrTooFarBehind is returned. If no frames are available, Pull returns
// an empty slice.
func (svc *Service) Pull(from uint64, max int) ([]pb.Frame, uint64, error) {
	var earliest, committed = svc.log.Bounds()

	if from < earliest {
		return nil, committed, errors.WithMessagef(pb.ErrTooFarBehind,
			"requested %d, earliest retained is %d", from, earliest)
	} else if from > committed {
		return nil, committed, nil
	}

	var it, err = svc.log.Read(from, max)
	if errors.Is(err, pb.ErrNotFound) {
		return nil, committed, errors.WithMessage(pb.ErrTooFarBehind, err.Error())
	} else if err != nil {
		return nil, committed, err
	}
	defer it.Close()

	var frames []pb.Frame
	for {
		var frame, err = it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, committed, err
		}
		frames = append(frames, frame)
	}
	sentFramesTotal.WithLabelValues(svc.database.String()).Add(float64(len(frames)))
	return frames, committed, nil
}

// Drain signals all cursors to send their queued frames and a terminal
// CLOSED status, and refuses new streams. It blocks until all cursors exit,
// or |ctx| is done, whereupon remaining cursors are stopped.
func (svc *Service) Drain(ctx context.Context) error {
	svc.mu.Lock()
	svc.drainOnce.Do(func() { close(svc.drainCh) })
	svc.mu.Unlock()

	var doneCh = make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		svc.Stop()
		<-doneCh
		return ctx.Err()
	}
}

// Stop immediately cancels all cursors.
func (svc *Service) Stop() { svc.stop() }

// Cursors returns the status of each connected cursor, ordered on ID.
func (svc *Service) Cursors() []CursorStatus {
	var committed = svc.log.Committed()

	svc.mu.Lock()
	var out = make([]CursorStatus, 0, len(svc.cursors))
	for c := range svc.cursors {
		out = append(out, c.status(committed))
	}
	svc.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (svc *Service) isDraining() bool {
	select {
	case <-svc.drainCh:
		return true
	default:
		return false
	}
}

// register a new cursor, or return nil if the Service is draining.
func (svc *Service) register(addr string, requested uint64) *cursor {
	svc.mu.Lock()
	if svc.isDraining() {
		svc.mu.Unlock()
		return nil
	}
	svc.wg.Add(1)
	svc.nextID++
	var c = &cursor{
		svc:         svc,
		id:          svc.nextID,
		peer:        addr,
		requested:   requested,
		connectedAt: time.Now(),
	}
	svc.cursors[c] = struct{}{}
	connectedCursorsGauge.WithLabelValues(svc.database.String()).Set(float64(len(svc.cursors)))
	svc.mu.Unlock()

	log.WithFields(log.Fields{
		"database":  svc.database,
		"cursor":    c.id,
		"peer":      addr,
		"requested": requested,
	}).Info("replica cursor connected")

	return c
}

func (svc *Service) deregister(c *cursor) {
	svc.mu.Lock()
	delete(svc.cursors, c)
	connectedCursorsGauge.WithLabelValues(svc.database.String()).Set(float64(len(svc.cursors)))
	svc.mu.Unlock()

	log.WithFields(log.Fields{
		"database": svc.database,
		"cursor":   c.id,
		"peer":     c.peer,
		"sent":     c.lastSent.Load(),
		"applied":  c.applied.Load(),
	}).Info("replica cursor disconnected")

	svc.wg.Done()
}

// checkRequested returns the Status of a stream requesting |requested|.
func checkRequested(requested uint64, hdr pb.Header) pb.Status {
	if requested < hdr.EarliestRetained {
		return pb.Status_TOO_FAR_BEHIND
	} else if requested > hdr.Committed+1 {
		return pb.Status_SEQUENCE_AHEAD
	}
	return pb.Status_OK
}
