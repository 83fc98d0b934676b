package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/pagestore"
	pb "go.pagestream.dev/core/protocol"
)

// RestoreArgs are arguments of Restore.
type RestoreArgs struct {
	// Database to restore.
	Database pb.DatabaseID
	// Stores holding backups of the Database, in preference order.
	Stores []pb.BackupStore
}

// Validate returns an error if the RestoreArgs are not well-formed.
func (args *RestoreArgs) Validate() error {
	if err := args.Database.Validate(); err != nil {
		return pb.ExtendContext(err, "Database")
	} else if len(args.Stores) == 0 {
		return pb.NewValidationError("expected at least one Store")
	}
	for i, bs := range args.Stores {
		if err := bs.Validate(); err != nil {
			return pb.ExtendContext(err, "Stores[%d]", i)
		}
	}
	return nil
}

// RestoreResult is the result of a Restore.
type RestoreResult struct {
	// Sequence through which state was restored. It's zero if no backup
	// of the database exists.
	Sequence uint64
	// Snapshot is the sequence of the applied snapshot, or zero if none was.
	Snapshot uint64
	// Batches and Frames applied after the snapshot.
	Batches, Frames int
}

// Restore reconstructs the state of a database into each of |targets| from
// its latest snapshot, and every batch which follows it. A database without
// any backups restores to sequence zero without error.
//
// Integrity failures of backup objects, gaps between objects, and batches
// which don't end on a commit frame fail with an error wrapping ErrRestore.
// Restore is cancelled only between objects, and may be retried: targets
// ignore frames they've already applied.
func Restore(ctx context.Context, args RestoreArgs, targets ...pagestore.Store) (RestoreResult, error) {
	var result RestoreResult

	if err := args.Validate(); err != nil {
		return result, err
	}
	var objects, err = listWithRetry(ctx, args)
	if err != nil {
		return result, restoreError(err)
	}

	if snaps := objects.Snapshots(); len(snaps) != 0 {
		var snap = snaps[len(snaps)-1]

		_, frames, err := fetchWithRetry(ctx, snap)
		if err != nil {
			return result, restoreError(err)
		}
		for _, target := range targets {
			if err = target.Apply(ctx, frames, snap.Sequence); err != nil {
				return result, restoreError(fmt.Errorf("applying snapshot %s: %w", snap.Key, err))
			}
		}
		result.Snapshot, result.Sequence = snap.Sequence, snap.Sequence

		log.WithFields(log.Fields{
			"database": args.Database,
			"snapshot": snap.Key,
			"pages":    len(frames),
		}).Info("restored snapshot")
	}

	for _, batch := range objects.Batches() {
		if batch.Sequence <= result.Snapshot {
			continue // Covered by the snapshot.
		} else if batch.Sequence != result.Sequence+1 {
			return result, restoreError(fmt.Errorf("%w: batch %s doesn't follow sequence %d",
				pb.ErrSequenceGap, batch.Key, result.Sequence))
		}
		if err = ctx.Err(); err != nil {
			return result, err
		}

		hdr, frames, err := fetchWithRetry(ctx, batch)
		if err != nil {
			return result, restoreError(err)
		} else if !frames[len(frames)-1].Commit {
			return result, restoreError(fmt.Errorf("%w: batch %s doesn't end on a commit",
				ErrMalformedObject, batch.Key))
		}
		for _, target := range targets {
			if err = target.Apply(ctx, frames, hdr.Last); err != nil {
				return result, restoreError(fmt.Errorf("applying batch %s: %w", batch.Key, err))
			}
		}
		result.Sequence = hdr.Last
		result.Batches++
		result.Frames += len(frames)
		restoredFramesTotal.WithLabelValues(args.Database.String()).Add(float64(len(frames)))
	}

	log.WithFields(log.Fields{
		"database": args.Database,
		"sequence": result.Sequence,
		"snapshot": result.Snapshot,
		"batches":  result.Batches,
		"frames":   result.Frames,
	}).Info("restore complete")

	return result, nil
}

// restoreError wraps |err| as an ErrRestore, preserving its cause.
// Context cancellation is passed through unchanged.
func restoreError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", pb.ErrRestore, err)
}

func listWithRetry(ctx context.Context, args RestoreArgs) (objects Objects, err error) {
	for attempt := 0; ; attempt++ {
		if objects, err = ListObjects(ctx, args.Database, args.Stores...); err == nil || attempt == maxRestoreAttempts {
			return objects, err
		}
		log.WithFields(log.Fields{
			"database": args.Database,
			"err":      err,
			"attempt":  attempt,
		}).Warn("failed to list backup objects (will retry)")

		if err = sleepCtx(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

func fetchWithRetry(ctx context.Context, obj Object) (hdr Header, frames []pb.Frame, err error) {
	for attempt := 0; ; attempt++ {
		if hdr, frames, err = fetchObject(ctx, obj); err == nil || attempt == maxRestoreAttempts || isIntegrityError(err) {
			return
		}
		log.WithFields(log.Fields{
			"key":     obj.Key,
			"err":     err,
			"attempt": attempt,
		}).Warn("failed to fetch backup object (will retry)")

		if err = sleepCtx(ctx, backoff(attempt)); err != nil {
			return
		}
	}
}

// sleepCtx sleeps for |d| or until |ctx| is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

const maxRestoreAttempts = 8
