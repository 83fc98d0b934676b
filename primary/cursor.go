package primary

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
	"golang.org/x/net/trace"
)

// State of a replica cursor.
type State int32

const (
	// Connecting cursors are validating the replica's Hello.
	Connecting State = iota
	// Streaming cursors are sending frames.
	Streaming
	// Draining cursors are flushing queued frames before closing.
	Draining
	// Closed cursors have sent a terminal status, or lost their stream.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Streaming:
		return "Streaming"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CursorStatus is a point-in-time status of a replica cursor.
type CursorStatus struct {
	ID          int64     `json:"id"`
	Peer        string    `json:"peer"`
	State       State     `json:"state"`
	Requested   uint64    `json:"requested_sequence"`
	Sent        uint64    `json:"last_sent_sequence"`
	Applied     uint64    `json:"applied_sequence"`
	Lag         uint64    `json:"lag_frames"`
	ConnectedAt time.Time `json:"connected_at"`
}

// cursor is the per-stream state of a connected replica.
type cursor struct {
	svc         *Service
	id          int64
	peer        string
	requested   uint64
	connectedAt time.Time

	state    atomic.Int32
	lastSent atomic.Uint64
	applied  atomic.Uint64
}

func (c *cursor) status(committed uint64) CursorStatus {
	var out = CursorStatus{
		ID:          c.id,
		Peer:        c.peer,
		State:       State(c.state.Load()),
		Requested:   c.requested,
		Sent:        c.lastSent.Load(),
		Applied:     c.applied.Load(),
		ConnectedAt: c.connectedAt,
	}
	if out.Applied < committed {
		out.Lag = committed - out.Applied
	}
	return out
}

// serve the cursor's stream until it drains, closes, or breaks.
func (c *cursor) serve(stream pb.Replication_StreamServer) (err error) {
	var ctx, cancel = context.WithCancel(stream.Context())
	defer cancel()
	defer context.AfterFunc(c.svc.stopCtx, cancel)()

	var (
		db        = c.svc.database.String()
		queue     = make(chan pb.Frame, c.svc.cfg.BufferFrames)
		readErrCh = make(chan error, 1)
		caughtUp  bool
		reason    = "disconnected"
	)
	c.lastSent.Store(c.requested - 1)
	c.state.Store(int32(Streaming))

	defer func() {
		c.state.Store(int32(Closed))
		cursorsClosedTotal.WithLabelValues(db, reason).Inc()
	}()

	go func() { readErrCh <- c.read(ctx, queue) }()
	go c.recvAcks(stream)

	var send = func(f pb.Frame) error {
		var committed = c.svc.log.Committed()
		if err := stream.Send(&pb.StreamResponse{Frame: &f, Committed: committed}); err != nil {
			return err
		}
		c.lastSent.Store(f.Sequence)
		sentFramesTotal.WithLabelValues(db).Inc()
		return nil
	}
	var terminate = func(status pb.Status, why string) error {
		reason = why
		var hdr = c.svc.Header()
		addTrace(ctx, "terminating cursor %d: %s", c.id, status)
		return stream.Send(&pb.StreamResponse{Status: status, Header: &hdr, Committed: hdr.Committed})
	}

	for {
		var changed = c.svc.log.Changed()
		var committed = c.svc.log.Committed()
		var sent = c.lastSent.Load()

		if sent >= committed {
			caughtUp = true
		} else if max := c.svc.cfg.MaxLagFrames; caughtUp && max != 0 && committed-sent > max {
			log.WithFields(log.Fields{
				"database":  db,
				"cursor":    c.id,
				"peer":      c.peer,
				"sent":      sent,
				"committed": committed,
			}).Warn("closing lagging replica cursor")

			return terminate(pb.Status_CLOSED, "lagging")
		}

		select {
		case f := <-queue:
			if err = send(f); err != nil {
				return err
			}
		case <-changed:
			// Re-evaluate lag.
		case err = <-readErrCh:
			if err == nil || ctx.Err() != nil {
				return ctx.Err()
			}
			// Frames were removed from the Log before they could be read.
			if errors.Is(err, pb.ErrNotFound) {
				return terminate(pb.Status_TOO_FAR_BEHIND, "too_far_behind")
			}
			reason = "error"
			return err
		case <-c.svc.drainCh:
			c.state.Store(int32(Draining))

			for {
				select {
				case f := <-queue:
					if err = send(f); err != nil {
						return err
					}
					continue
				default:
				}
				break
			}
			return terminate(pb.Status_CLOSED, "drained")
		case <-ctx.Done():
			if c.svc.stopCtx.Err() != nil {
				reason = "stopped"
			}
			return ctx.Err()
		}
	}
}

// read frames of the Log into |queue|, from the requested sequence onward.
func (c *cursor) read(ctx context.Context, queue chan<- pb.Frame) error {
	var next = c.requested

	for {
		var it, err = c.svc.log.Read(next, 0)
		if err != nil {
			return err
		}
		for {
			var frame, err = it.Next()
			if err == io.EOF {
				break
			} else if err != nil {
				_ = it.Close()
				return err
			}

			select {
			case queue <- frame:
				next++
			case <-ctx.Done():
				_ = it.Close()
				return ctx.Err()
			}
		}
		_ = it.Close()

		if _, err = c.svc.log.AwaitCommitted(ctx, next-1); err != nil {
			return err
		}
	}
}

// recvAcks receives acknowledgements of the replica until the stream ends.
func (c *cursor) recvAcks(stream pb.Replication_StreamServer) {
	for {
		var req, err = stream.Recv()
		if err != nil {
			return
		} else if err = req.Validate(); err != nil || req.Hello != nil {
			log.WithFields(log.Fields{
				"database": c.svc.database,
				"cursor":   c.id,
				"err":      err,
			}).Warn("ignoring invalid replica acknowledgement")
			continue
		}

		for {
			var cur = c.applied.Load()
			if req.AppliedSequence <= cur || c.applied.CompareAndSwap(cur, req.AppliedSequence) {
				break
			}
		}
	}
}

func closeReason(status pb.Status) string {
	switch status {
	case pb.Status_TOO_FAR_BEHIND:
		return "too_far_behind"
	case pb.Status_SEQUENCE_AHEAD:
		return "sequence_ahead"
	case pb.Status_CLOSED:
		return "draining"
	default:
		return "error"
	}
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
