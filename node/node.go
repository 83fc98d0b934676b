// Package node runs one instance of the replication and durability engine
// for a logical database. A primary Node owns the database's Frame Log: it
// applies committed transactions to its page store, serves replication
// streams, ships backups, and truncates its Log once frames are both shipped
// and beyond the retention window. A replica Node streams from its primary
// into its page store, and restores from backup when it falls too far
// behind. Either role restores from backup on startup if it has no local
// state.
package node

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.pagestream.dev/core/backup"
	"go.pagestream.dev/core/discovery"
	"go.pagestream.dev/core/framelog"
	"go.pagestream.dev/core/pagestore"
	"go.pagestream.dev/core/primary"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/replica"
	"go.pagestream.dev/core/task"
)

// Services are shared by the Nodes of a process.
type Services struct {
	// Fs of Frame Logs. If nil, the OS filesystem is used.
	Fs afero.Fs
	// OpenStore opens the page store at a path. If nil, SQLite is used.
	OpenStore func(path string) (pagestore.Store, error)
	// Mux with which primary Nodes register their replication Service.
	Mux *primary.Mux
	// Dialer of replica Nodes.
	Dialer *replica.Dialer
	// Resolver of a replica Node's primary. If nil, the static
	// ReplicaSpec.Primary of the DatabaseSpec is used.
	Resolver discovery.Resolver
}

// Node is an instance of the engine for a database.
type Node struct {
	spec     DatabaseSpec
	services Services

	log     *framelog.Log   // Primary only.
	pages   pagestore.Store // Current state of the database.
	state   pagestore.Store // Snapshot state of the Shipper. Primary only.
	svc     *primary.Service
	shipper *backup.Shipper

	client   atomic.Pointer[replica.Client]
	restores atomic.Int64

	writerMu sync.Mutex // Serializes Writer appends with page store catch-up.
}

// Open a Node of the DatabaseSpec. If the Node has no local state and the
// spec has backup stores, the database is restored from backup before
// Open returns.
func Open(ctx context.Context, spec DatabaseSpec, services Services) (_ *Node, err error) {
	spec.ApplyDefaults()
	if err = spec.Validate(); err != nil {
		return nil, err
	}
	if services.Fs == nil {
		services.Fs = afero.NewOsFs()
	}
	if services.OpenStore == nil {
		services.OpenStore = openSQLite
	}
	if spec.Role == RoleReplica && services.Resolver == nil {
		if spec.Replica.Primary == "" {
			return nil, pb.NewValidationError("replica requires a Resolver or Replica.Primary")
		}
		services.Resolver = discovery.Static(spec.Replica.Primary)
	}
	if spec.Role == RolePrimary && services.Mux == nil {
		services.Mux = primary.NewMux()
	}
	if services.Dialer == nil {
		services.Dialer = replica.NewDialer(16)
	}

	var n = &Node{spec: spec, services: services}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.pages, err = services.OpenStore(filepath.Join(spec.Directory, "pages.db")); err != nil {
		return nil, pkgerrors.WithMessage(err, "opening page store")
	}
	if spec.Role == RoleReplica {
		return n, n.openReplica(ctx)
	}
	return n, n.openPrimary(ctx)
}

func (n *Node) openPrimary(ctx context.Context) (err error) {
	var spec = &n.spec

	if n.log, err = framelog.Open(n.services.Fs, framelog.Config{
		Database:       spec.Database,
		Directory:      filepath.Join(spec.Directory, "log"),
		PageSize:       spec.PageSize,
		SegmentBytes:   spec.SegmentBytes,
		RequireShipped: len(spec.Stores) != 0,
	}); err != nil {
		return pkgerrors.WithMessage(err, "opening frame log")
	}

	var targets = []pagestore.Store{n.pages}
	if len(spec.Stores) != 0 {
		if n.state, err = n.services.OpenStore(filepath.Join(spec.Directory, "snapshot.db")); err != nil {
			return pkgerrors.WithMessage(err, "opening snapshot state")
		}
		targets = append(targets, n.state)
	}

	var earliest, committed = n.log.Bounds()
	wm, err := n.pages.Watermark()
	if err != nil {
		return err
	}

	// Restore if we have no local state, or if the page store trails frames
	// which the Log no longer retains.
	if len(spec.Stores) != 0 && (committed == 0 || wm+1 < earliest) {
		var result, err = n.restore(ctx, targets...)
		if err != nil {
			return err
		}
		if committed == 0 && result.Sequence != 0 {
			if err = n.log.Reset(result.Sequence); err != nil {
				return pkgerrors.WithMessage(err, "resetting frame log to restored sequence")
			}
		}
		earliest, committed = n.log.Bounds()
		if wm, err = n.pages.Watermark(); err != nil {
			return err
		}
	}

	switch {
	case committed == 0 && wm != 0:
		// The page store outlived its Log. Resume the Log from the page store.
		log.WithFields(log.Fields{
			"database":  spec.Database,
			"watermark": wm,
		}).Warn("frame log is empty; resuming it from the page store")

		if err = n.log.Reset(wm); err != nil {
			return err
		}
	case wm > committed:
		return pkgerrors.Errorf("page store watermark %d is ahead of the frame log's committed head %d", wm, committed)
	case wm+1 < earliest:
		return pkgerrors.Errorf("page store watermark %d precedes the frame log's retained window (%d)", wm, earliest)
	}

	if err = applyLog(ctx, n.log, n.pages, committed); err != nil {
		return pkgerrors.WithMessage(err, "applying frame log to page store")
	}

	n.svc = primary.NewService(spec.Database, n.log, spec.Replication)
	if len(spec.Stores) != 0 {
		var cfg, _ = spec.shipperConfig()
		if n.shipper, err = backup.NewShipper(cfg, n.log, n.state); err != nil {
			return err
		}
	}
	n.services.Mux.Register(n.svc)

	log.WithFields(log.Fields{
		"database":   spec.Database,
		"earliest":   earliest,
		"committed":  committed,
		"shipped":    n.log.ShippedSequence(),
		"generation": n.svc.Generation(),
	}).Info("opened primary node")

	return nil
}

func (n *Node) openReplica(ctx context.Context) error {
	var wm, err = n.pages.Watermark()
	if err != nil {
		return err
	}
	if wm == 0 && len(n.spec.Stores) != 0 {
		if _, err = n.restore(ctx, n.pages); err != nil {
			return err
		}
	}
	if wm, err = n.pages.Watermark(); err != nil {
		return err
	}
	n.client.Store(n.newClient())

	log.WithFields(log.Fields{
		"database":  n.spec.Database,
		"watermark": wm,
	}).Info("opened replica node")

	return nil
}

// Serve the Node until |ctx| is cancelled, and then gracefully stop it.
// A primary drains its replicas and ships remaining frames, bounded by the
// ShutdownTimeout.
func (n *Node) Serve(ctx context.Context) error {
	var tg = task.NewGroup(context.Background())
	var runCtx, cancel = context.WithCancel(tg.Context())
	defer context.AfterFunc(ctx, cancel)()
	defer cancel()

	if n.spec.Role == RoleReplica {
		tg.Queue("replicate", func() error { return n.replicate(runCtx) })
		tg.Queue("cancel", func() error {
			<-runCtx.Done()
			tg.Cancel()
			return nil
		})
		tg.GoRun()
		return tg.Wait()
	}

	if n.shipper != nil {
		// A halted Shipper leaves the Node serving: unshipped frames are
		// retained, and the failure is surfaced through Health.
		tg.Queue("ship", func() error {
			var err = n.shipper.Serve(tg.Context())
			if err != nil && tg.Context().Err() == nil {
				log.WithFields(log.Fields{"database": n.spec.Database, "err": err}).
					Error("backup shipping stopped")
			}
			return nil
		})
	}
	tg.Queue("retain", func() error { return n.retainLoop(runCtx) })
	tg.Queue("shutdown", func() error {
		<-runCtx.Done()
		n.shutdown(tg.Context())
		tg.Cancel()
		return nil
	})
	tg.GoRun()
	return tg.Wait()
}

// shutdown gracefully stops a primary Node.
func (n *Node) shutdown(groupCtx context.Context) {
	if groupCtx.Err() != nil {
		n.svc.Stop()
		return // A task failed. Skip graceful shutdown.
	}
	var deadline = time.Now().Add(n.spec.ShutdownTimeout)
	var ctx, cancel = context.WithDeadline(context.Background(), deadline)
	defer cancel()

	n.services.Mux.Deregister(n.svc)
	if err := n.svc.Drain(ctx); err != nil {
		log.WithFields(log.Fields{"database": n.spec.Database, "err": err}).
			Warn("timed out draining replicas")
	}

	if n.shipper != nil {
		var doneCh = make(chan struct{})
		go func() {
			n.shipper.Finish()
			close(doneCh)
		}()

		select {
		case <-doneCh:
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"database":  n.spec.Database,
				"shipped":   n.shipper.Shipped(),
				"committed": n.log.Committed(),
			}).Warn("timed out shipping remaining frames")
		}
	}
}

// replicate runs replica Clients, restoring from backup whenever a Client
// falls too far behind its primary.
func (n *Node) replicate(ctx context.Context) error {
	for attempt := 0; ; {
		var c = n.client.Load()
		var err = c.Serve(ctx)

		if err == nil {
			return nil // Cancelled.
		} else if !errors.Is(err, pb.ErrTooFarBehind) || len(n.spec.Stores) == 0 {
			return err
		}

		var before, _ = n.pages.Watermark()
		result, err := n.restore(ctx, n.pages)
		if ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}
		n.client.Store(n.newClient())

		if result.Sequence > before {
			attempt = 0
			continue
		}
		// Backups don't yet reach the primary's retained window.
		var delay = n.spec.Replica.Retry.Delay(attempt)
		attempt++

		log.WithFields(log.Fields{
			"database": n.spec.Database,
			"restored": result.Sequence,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("restore didn't advance replica (will retry)")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) newClient() *replica.Client {
	return replica.NewClient(n.spec.Database, n.pages, n.services.Resolver,
		n.services.Dialer, n.spec.Replica.Retry)
}

func (n *Node) restore(ctx context.Context, targets ...pagestore.Store) (backup.RestoreResult, error) {
	var started = time.Now()
	var result, err = backup.Restore(ctx, backup.RestoreArgs{
		Database: n.spec.Database,
		Stores:   n.spec.Stores,
	}, targets...)

	if err != nil {
		return result, err
	}
	n.restores.Add(1)

	log.WithFields(log.Fields{
		"database": n.spec.Database,
		"sequence": result.Sequence,
		"snapshot": result.Snapshot,
		"batches":  result.Batches,
		"frames":   result.Frames,
		"took":     time.Since(started),
	}).Info("restored database from backup")

	return result, nil
}

// retainLoop periodically removes Frame Log segments beyond the retention window.
func (n *Node) retainLoop(ctx context.Context) error {
	if n.spec.RetainFrames == 0 {
		<-ctx.Done()
		return nil
	}
	var ticker = time.NewTicker(n.spec.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := n.Retain(); err != nil {
				log.WithFields(log.Fields{"database": n.spec.Database, "err": err}).
					Warn("frame log retention failed (will retry)")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Retain removes Frame Log segments which are RetainFrames behind the
// committed head. Frames which are not yet shipped, or not yet applied to
// the page store, are never removed. It returns the earliest retained sequence.
func (n *Node) Retain() (uint64, error) {
	var _, committed = n.log.Bounds()
	if committed <= n.spec.RetainFrames {
		return n.log.Earliest(), nil
	}
	var seq = committed - n.spec.RetainFrames + 1

	if wm, err := n.pages.Watermark(); err != nil {
		return 0, err
	} else if seq > wm+1 {
		seq = wm + 1
	}
	return n.log.RetainFrom(seq)
}

// Spec returns the DatabaseSpec of the Node.
func (n *Node) Spec() DatabaseSpec { return n.spec }

// Pages returns the page store of the Node. Callers must not Apply to it.
func (n *Node) Pages() pagestore.Store { return n.pages }

// Log returns the Frame Log of a primary Node, or nil.
func (n *Node) Log() *framelog.Log { return n.log }

// Service returns the replication Service of a primary Node, or nil.
func (n *Node) Service() *primary.Service { return n.svc }

// CurrentSequence returns the committed head of a primary Node, or the
// Apply Watermark of a replica Node.
func (n *Node) CurrentSequence() uint64 {
	if n.log != nil {
		return n.log.Committed()
	}
	var wm, _ = n.pages.Watermark()
	return wm
}

// AppliedWatermark returns the Apply Watermark of the Node's page store.
func (n *Node) AppliedWatermark() (uint64, error) { return n.pages.Watermark() }

// Close the Node. Serve must have returned.
func (n *Node) Close() error {
	var errs []error

	if n.svc != nil {
		n.services.Mux.Deregister(n.svc)
		n.svc.Stop()
	}
	if n.log != nil {
		errs = append(errs, n.log.Close())
	}
	for _, s := range []pagestore.Store{n.pages, n.state} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

// applyLog applies committed frames of the Log to |store| through |through|,
// in chunks ending on commit frames.
func applyLog(ctx context.Context, l *framelog.Log, store pagestore.Store, through uint64) error {
	var wm, err = store.Watermark()
	if err != nil || wm >= through {
		return err
	}
	it, err := l.Read(wm+1, int(through-wm))
	if err != nil {
		return pkgerrors.WithMessagef(err, "reading frames (%d, %d]", wm, through)
	}
	defer it.Close()

	var frames []pb.Frame
	for {
		var f, err = it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		frames = append(frames, f)

		if f.Commit && (len(frames) >= applyChunkFrames || f.Sequence == through) {
			if err = store.Apply(ctx, frames, f.Sequence); err != nil {
				return err
			}
			frames = frames[:0]
		}
	}
	return nil
}

const applyChunkFrames = 1024

func openSQLite(path string) (pagestore.Store, error) {
	var s, err = pagestore.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
