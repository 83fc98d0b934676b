package replica

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/discovery"
	"go.pagestream.dev/core/pagestore"
	pb "go.pagestream.dev/core/protocol"
)

// State of a Client.
type State int32

const (
	// Disconnected Clients have no stream, and may be awaiting a retry.
	Disconnected State = iota
	// Connecting Clients are resolving, dialing, and greeting the primary.
	Connecting
	// CatchingUp Clients are applying frames below the primary's committed
	// head as of the stream's start.
	CatchingUp
	// Live Clients have applied through the primary's committed head, and
	// apply new transactions as they commit.
	Live
	// Restoring is terminal: the primary no longer retains the frames which
	// the Client requires, and the database must be restored from backup.
	Restoring
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case CatchingUp:
		return "CatchingUp"
	case Live:
		return "Live"
	case Restoring:
		return "Restoring"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time status of a Client.
type Status struct {
	State            State       `json:"state"`
	Endpoint         pb.Endpoint `json:"endpoint,omitempty"`
	Generation       string      `json:"generation_id,omitempty"`
	Applied          uint64      `json:"applied_sequence"`
	PrimaryCommitted uint64      `json:"primary_committed"`
	Lag              uint64      `json:"lag_frames"`
}

// Client replicates a database from its primary into a pagestore.Store.
type Client struct {
	database pb.DatabaseID
	store    pagestore.Store
	resolver discovery.Resolver
	dialer   *Dialer
	retry    RetryPolicy

	state     atomic.Int32
	applied   atomic.Uint64
	committed atomic.Uint64

	mu         sync.Mutex
	endpoint   pb.Endpoint
	generation string
}

// NewClient returns a Client of the database, which applies to |store| and
// streams from the primary of |resolver|. If |retry| is zero-valued,
// DefaultRetryPolicy is used.
func NewClient(database pb.DatabaseID, store pagestore.Store, resolver discovery.Resolver, dialer *Dialer, retry RetryPolicy) *Client {
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy
	}
	return &Client{
		database: database,
		store:    store,
		resolver: resolver,
		dialer:   dialer,
		retry:    retry,
	}
}

// State returns the current State of the Client.
func (c *Client) State() State { return State(c.state.Load()) }

// Applied returns the Apply Watermark of the Client.
func (c *Client) Applied() uint64 { return c.applied.Load() }

// Status returns the current Status of the Client.
func (c *Client) Status() Status {
	c.mu.Lock()
	var out = Status{
		State:            c.State(),
		Endpoint:         c.endpoint,
		Generation:       c.generation,
		Applied:          c.applied.Load(),
		PrimaryCommitted: c.committed.Load(),
	}
	c.mu.Unlock()

	if out.PrimaryCommitted > out.Applied {
		out.Lag = out.PrimaryCommitted - out.Applied
	}
	return out
}

// Serve replicates until |ctx| is cancelled, whereupon it returns nil.
// Broken streams are retried without limit. Serve returns an error wrapping
// ErrTooFarBehind if the primary no longer retains the frames the Client
// requires, in which case the Client is left in the Restoring state, and an
// error wrapping ErrChecksumMismatch if a corrupt frame is received. A
// failure of the local Store is returned as an error wrapping ErrIO, and
// isn't retried.
func (c *Client) Serve(ctx context.Context) error {
	var wm, err = c.store.Watermark()
	if err != nil {
		return errors.WithMessagef(pb.ErrIO, "reading apply watermark: %s", err)
	}
	c.applied.Store(wm)
	appliedSequenceGauge.WithLabelValues(c.database.String()).Set(float64(wm))

	for attempt := 0; ; {
		var progressed bool
		progressed, err = c.session(ctx)

		switch {
		case ctx.Err() != nil:
			c.setState(Disconnected)
			return nil
		case errors.Is(err, pb.ErrTooFarBehind):
			log.WithFields(log.Fields{
				"database": c.database,
				"applied":  c.applied.Load(),
				"err":      err,
			}).Warn("replica is too far behind its primary, and must restore")

			c.setState(Restoring)
			return err
		case errors.Is(err, pb.ErrChecksumMismatch):
			log.WithFields(log.Fields{
				"database": c.database,
				"applied":  c.applied.Load(),
				"err":      err,
			}).Error("received corrupt frame from primary")

			c.setState(Disconnected)
			return err
		case errors.Is(err, pb.ErrIO):
			log.WithFields(log.Fields{
				"database": c.database,
				"applied":  c.applied.Load(),
				"err":      err,
			}).Error("failed to apply frames to the page store")

			c.setState(Disconnected)
			return err
		}
		c.setState(Disconnected)

		if progressed {
			attempt = 0
		}
		var delay = c.retry.Delay(attempt)
		attempt++

		log.WithFields(log.Fields{
			"database": c.database,
			"applied":  c.applied.Load(),
			"err":      err,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("replication stream failed (will retry)")
		streamFailuresTotal.WithLabelValues(c.database.String()).Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs a single replication stream until it fails. It returns
// whether any transaction was applied.
func (c *Client) session(ctx context.Context) (progressed bool, _ error) {
	c.setState(Connecting)

	var ep, err = c.resolver.Primary(ctx)
	if err != nil {
		return false, errors.WithMessage(err, "resolving primary")
	}
	conn, err := c.dialer.Dial(ep)
	if err != nil {
		return false, errors.WithMessagef(err, "dialing %s", ep)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := pb.NewReplicationClient(conn).Stream(ctx)
	if err != nil {
		return false, connectionLost(ep, err)
	}
	var watermark = c.applied.Load()
	var db = c.database.String()

	if err = stream.Send(&pb.StreamRequest{
		Hello: &pb.Hello{Database: c.database, RequestedSequence: watermark + 1},
	}); err != nil {
		return false, connectionLost(ep, err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return false, connectionLost(ep, err)
	} else if err = resp.Validate(); err != nil {
		return false, errors.WithMessage(err, "invalid stream response")
	} else if err = statusError(resp, ep, watermark+1); err != nil {
		return false, err
	} else if resp.Header == nil {
		return false, errors.Errorf("primary %s sent no stream header", ep)
	}
	c.onHeader(ep, resp.Header)

	if watermark >= resp.Header.Committed {
		c.setState(Live)
	} else {
		c.setState(CatchingUp)
	}
	var pending []pb.Frame

	for {
		if resp, err = stream.Recv(); err != nil {
			return progressed, connectionLost(ep, err)
		} else if err = resp.Validate(); err != nil {
			return progressed, errors.WithMessage(err, "invalid stream response")
		} else if err = statusError(resp, ep, watermark+uint64(len(pending))+1); err != nil {
			return progressed, err
		}
		c.observeCommitted(resp.Committed)

		if resp.Frame == nil {
			continue
		}
		var frame = *resp.Frame

		if err = frame.Verify(); err != nil {
			return progressed, errors.WithMessagef(err, "from primary %s", ep)
		}

		var next = watermark + uint64(len(pending)) + 1
		if frame.Sequence < next {
			duplicateFramesTotal.WithLabelValues(db).Inc()
			continue
		} else if frame.Sequence > next {
			// Nothing of the partial transaction has been applied. Drop the
			// stream and resume from the watermark.
			return progressed, errors.WithMessagef(pb.ErrSequenceGap,
				"expected sequence %d from primary %s, but received %d", next, ep, frame.Sequence)
		}

		if pending = append(pending, frame); !frame.Commit {
			continue
		}

		if err = c.store.Apply(ctx, pending, frame.Sequence); err != nil {
			return progressed, errors.WithMessagef(pb.ErrIO, "applying frames [%d, %d]: %s",
				next-uint64(len(pending))+1, next, err)
		}
		watermark, progressed = frame.Sequence, true
		c.applied.Store(watermark)

		appliedFramesTotal.WithLabelValues(db).Add(float64(len(pending)))
		appliedTransactionsTotal.WithLabelValues(db).Inc()
		appliedSequenceGauge.WithLabelValues(db).Set(float64(watermark))
		pending = nil

		if err = stream.Send(&pb.StreamRequest{AppliedSequence: watermark}); err != nil {
			return progressed, connectionLost(ep, err)
		}
		if c.State() == CatchingUp && watermark >= c.committed.Load() {
			log.WithFields(log.Fields{
				"database":  db,
				"primary":   ep,
				"committed": watermark,
			}).Info("replica is live")

			c.setState(Live)
		}
		c.updateLag()
	}
}

func (c *Client) onHeader(ep pb.Endpoint, hdr *pb.Header) {
	c.mu.Lock()
	var prior = c.generation
	c.endpoint, c.generation = ep, hdr.Generation
	c.mu.Unlock()

	c.committed.Store(hdr.Committed)
	c.updateLag()

	var fields = log.Fields{
		"database":   c.database,
		"primary":    ep,
		"generation": hdr.Generation,
		"earliest":   hdr.EarliestRetained,
		"committed":  hdr.Committed,
		"applied":    c.applied.Load(),
	}
	if prior != "" && prior != hdr.Generation {
		log.WithFields(fields).Info("primary generation changed")
	} else {
		log.WithFields(fields).Debug("replication stream started")
	}
}

func (c *Client) observeCommitted(committed uint64) {
	for {
		var cur = c.committed.Load()
		if committed <= cur || c.committed.CompareAndSwap(cur, committed) {
			break
		}
	}
	c.updateLag()
}

func (c *Client) updateLag() {
	var applied, committed = c.applied.Load(), c.committed.Load()
	var lag uint64
	if committed > applied {
		lag = committed - applied
	}
	lagFramesGauge.WithLabelValues(c.database.String()).Set(float64(lag))
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// statusError maps a non-OK stream Status to an error.
func statusError(resp *pb.StreamResponse, ep pb.Endpoint, requested uint64) error {
	var earliest, committed uint64
	if resp.Header != nil {
		earliest, committed = resp.Header.EarliestRetained, resp.Header.Committed
	}

	switch resp.Status {
	case pb.Status_OK:
		return nil
	case pb.Status_TOO_FAR_BEHIND:
		return errors.WithMessagef(pb.ErrTooFarBehind,
			"requested %d from primary %s, which retains from %d", requested, ep, earliest)
	case pb.Status_SEQUENCE_AHEAD:
		return errors.WithMessagef(pb.ErrSequenceAhead,
			"requested %d from primary %s, which committed through %d", requested, ep, committed)
	case pb.Status_CLOSED:
		return errors.WithMessagef(pb.ErrConnectionLost, "primary %s closed the stream", ep)
	case pb.Status_DATABASE_NOT_FOUND:
		return errors.Errorf("primary %s doesn't serve the database", ep)
	default:
		return errors.Errorf("unexpected status %s from primary %s", resp.Status, ep)
	}
}

func connectionLost(ep pb.Endpoint, err error) error {
	if err == io.EOF {
		return errors.WithMessagef(pb.ErrConnectionLost, "primary %s ended the stream", ep)
	}
	return errors.WithMessagef(pb.ErrConnectionLost, "primary %s: %s", ep, err)
}
