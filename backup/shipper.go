package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/framelog"
	"go.pagestream.dev/core/pagestore"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
)

// ShipperConfig configures a Shipper.
type ShipperConfig struct {
	// Database being shipped.
	Database pb.DatabaseID
	// Stores to ship to, in preference order. Objects are shipped to the
	// first Store, and to later Stores only when Finishing and the first
	// store fails authorization.
	Stores []pb.BackupStore
	// Codec with which object payloads are compressed.
	Codec pb.CompressionCodec
	// MaxBatchFrames and MaxBatchBytes bound the size of a batch.
	// A batch always ends on a commit frame, and may exceed these bounds
	// only if a single transaction does.
	MaxBatchFrames int
	MaxBatchBytes  int64
	// FlushInterval is the longest a committed frame waits for its batch to fill.
	FlushInterval time.Duration
	// SnapshotEveryFrames and SnapshotInterval trigger a snapshot after the
	// given number of shipped frames, or the given interval. Zero disables
	// the respective trigger.
	SnapshotEveryFrames uint64
	SnapshotInterval    time.Duration
	// KeepSnapshots is the number of most-recent snapshots retained.
	KeepSnapshots int
}

// Validate returns an error if the ShipperConfig is not well-formed.
func (cfg *ShipperConfig) Validate() error {
	var args = RestoreArgs{Database: cfg.Database, Stores: cfg.Stores}

	if err := args.Validate(); err != nil {
		return err
	} else if err = cfg.Codec.Validate(); err != nil {
		return pb.ExtendContext(err, "Codec")
	} else if cfg.MaxBatchFrames <= 0 {
		return pb.NewValidationError("invalid MaxBatchFrames (%d; expected > 0)", cfg.MaxBatchFrames)
	} else if cfg.MaxBatchBytes <= 0 {
		return pb.NewValidationError("invalid MaxBatchBytes (%d; expected > 0)", cfg.MaxBatchBytes)
	} else if cfg.FlushInterval < 0 {
		return pb.NewValidationError("invalid FlushInterval (%s; expected >= 0)", cfg.FlushInterval)
	} else if cfg.KeepSnapshots <= 0 {
		return pb.NewValidationError("invalid KeepSnapshots (%d; expected > 0)", cfg.KeepSnapshots)
	}
	return nil
}

// Shipper ships committed frames of a Log to remote stores.
type Shipper struct {
	cfg   ShipperConfig
	log   *framelog.Log
	state pagestore.Store // Snapshot state, through |shipped|.

	finishOnce sync.Once
	finishCh   chan struct{} // Closed by Finish.
	doneCh     chan struct{} // Closed when Serve returns.

	mu            sync.Mutex
	shipped       uint64
	lastSnapshot  uint64
	snapshotAt    time.Time
	sinceSnapshot uint64
	lastErr       error
	halted        bool

	// putFn uploads an object. It's a field to facilitate testing.
	putFn func(ctx context.Context, key string, content []byte, kind Kind, exiting bool) error
}

// NewShipper returns a Shipper of the Log, which folds shipped frames into
// snapshot |state|. The watermark of |state| may lag the Log's shipped
// marker (for example, when |state| isn't durable), in which case it's
// caught up by Serve.
func NewShipper(cfg ShipperConfig, l *framelog.Log, state pagestore.Store) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var s = &Shipper{
		cfg:        cfg,
		log:        l,
		state:      state,
		finishCh:   make(chan struct{}),
		doneCh:     make(chan struct{}),
		snapshotAt: time.Now(),
	}
	s.putFn = s.put
	return s, nil
}

// Serve ships frames until |ctx| is cancelled or Finish is called. Upload
// and state failures are retried indefinitely with backoff. Serve stops only
// at batch boundaries: upon cancellation it returns ctx.Err() and upon Finish
// it returns nil once every committed frame is shipped.
//
// Corrupt or malformed content can't be resolved by retrying, and halts the
// Shipper: Serve returns the error, and unshipped frames remain in the Log.
func (s *Shipper) Serve(ctx context.Context) error {
	defer close(s.doneCh)

	for attempt := 0; ; attempt++ {
		var before = s.Shipped()
		var err = s.serve(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		} else if err == nil {
			s.setErr(nil)
			return nil
		}
		s.setErr(err)

		if isIntegrityError(err) {
			s.mu.Lock()
			s.halted = true
			s.mu.Unlock()
			haltedGauge.WithLabelValues(s.cfg.Database.String()).Set(1)

			log.WithFields(log.Fields{
				"database": s.cfg.Database,
				"shipped":  before,
				"err":      err,
			}).Error("shipper halted; unshipped frames are retained")
			return err
		}
		if s.Shipped() != before {
			attempt = 0
		}
		log.WithFields(log.Fields{
			"database": s.cfg.Database,
			"err":      err,
			"attempt":  attempt,
		}).Warn("shipper failed (will retry)")

		if err = sleepCtx(ctx, backoff(attempt)); err != nil {
			return err
		}
	}
}

// serve runs a single pass of the Shipper, returning on its first error.
func (s *Shipper) serve(ctx context.Context) (err error) {
	if err = s.recover(ctx); err != nil {
		return err
	}

	var (
		db           = s.cfg.Database.String()
		exiting      bool
		pendingSince time.Time
		timer        = time.NewTimer(time.Hour)
	)
	defer timer.Stop()

	for {
		var changed = s.log.Changed()
		var committed = s.log.Committed()
		var pending = committed - s.Shipped()

		lagFramesGauge.WithLabelValues(db).Set(float64(pending))

		if pending == 0 {
			pendingSince = time.Time{}

			if exiting {
				return nil
			}
			select {
			case <-changed:
			case <-s.finishCh:
				exiting = true
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if pendingSince.IsZero() {
			pendingSince = time.Now()
		}

		if !exiting && pending < uint64(s.cfg.MaxBatchFrames) {
			if wait := s.cfg.FlushInterval - time.Since(pendingSince); wait > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)

				select {
				case <-changed:
				case <-timer.C:
				case <-s.finishCh:
					exiting = true
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
		}

		if err = s.shipBatch(ctx, exiting); err != nil {
			return err
		}
		pendingSince = time.Time{}

		if s.snapshotDue() {
			s.snapshot(ctx)
		}
		select {
		case <-s.finishCh:
			exiting = true
		default:
		}
	}
}

// Finish signals Serve to ship every committed frame, and then exit.
// It blocks until Serve returns.
func (s *Shipper) Finish() {
	s.finishOnce.Do(func() { close(s.finishCh) })
	<-s.doneCh
}

// Shipped returns the sequence through which frames have been shipped.
func (s *Shipper) Shipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipped
}

// LastSnapshot returns the sequence of the last snapshot which was shipped
// and verified by this Shipper, or zero if none has been.
func (s *Shipper) LastSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// Err returns the last error of the Shipper. It's cleared by a successful
// upload.
func (s *Shipper) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Halted is true if Serve stopped upon corrupt or malformed content.
func (s *Shipper) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// recover reconciles snapshot state with the Log's shipped marker.
func (s *Shipper) recover(ctx context.Context) error {
	var shipped = s.log.ShippedSequence()
	var wm, err = s.state.Watermark()
	if err != nil {
		return pkgerrors.WithMessage(err, "reading snapshot state watermark")
	}

	// A crash may have occurred after a batch was applied to durable state,
	// but before the marker was written. The batch will be re-shipped.
	if wm < shipped {
		if err = s.catchUpState(ctx, wm, shipped); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.shipped = shipped
	s.mu.Unlock()

	shippedSequenceGauge.WithLabelValues(s.cfg.Database.String()).Set(float64(shipped))
	return nil
}

// catchUpState applies frames (|wm|, |through|] to snapshot state, from the
// Log if it still retains them or otherwise from remote storage.
func (s *Shipper) catchUpState(ctx context.Context, wm, through uint64) error {
	var it, err = s.log.Read(wm+1, int(through-wm))
	if errors.Is(err, pb.ErrNotFound) {
		log.WithFields(log.Fields{
			"database":  s.cfg.Database,
			"watermark": wm,
			"shipped":   through,
		}).Info("restoring snapshot state from remote storage")

		var result RestoreResult
		if result, err = Restore(ctx, RestoreArgs{Database: s.cfg.Database, Stores: s.cfg.Stores}, s.state); err != nil {
			return err
		} else if result.Sequence < through {
			return pkgerrors.WithMessagef(pb.ErrRestore,
				"restored sequence %d is behind the shipped marker %d", result.Sequence, through)
		}
		return nil
	} else if err != nil {
		return err
	}
	defer it.Close()

	var frames []pb.Frame
	for {
		var frame, err = it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		frames = append(frames, frame)
	}
	return s.state.Apply(ctx, frames, through)
}

// nextBatch reads the next batch of frames following the shipped marker.
func (s *Shipper) nextBatch() ([]pb.Frame, error) {
	var it, err = s.log.Read(s.Shipped()+1, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var frames []pb.Frame
	var size int64

	for {
		var frame, err = it.Next()
		if err == io.EOF {
			return frames, nil
		} else if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		size += int64(pb.FramedSize(&frame))

		if frame.Commit && (len(frames) >= s.cfg.MaxBatchFrames || size >= s.cfg.MaxBatchBytes) {
			return frames, nil
		}
	}
}

// shipBatch uploads the next batch, retrying until it succeeds or |ctx| is
// cancelled, and then applies it to snapshot state and advances the marker.
func (s *Shipper) shipBatch(ctx context.Context, exiting bool) error {
	var frames, err = s.nextBatch()
	if err != nil {
		return pkgerrors.WithMessage(err, "reading batch")
	} else if len(frames) == 0 {
		return nil
	}
	var first, last = frames[0].Sequence, frames[len(frames)-1].Sequence
	var key = BatchKey(s.cfg.Database, first)

	content, _, err := EncodeObject(KindBatch, s.cfg.Codec, frames, last)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		if err = s.putFn(ctx, key, content, KindBatch, exiting); err == errBatchExists {
			// A prior Shipper uploaded a batch here, but failed before
			// recording it. Adopt it in place of our own.
			var adopted []pb.Frame
			if adopted, err = s.adoptUploaded(ctx, first); err == nil {
				frames, last = adopted, adopted[len(adopted)-1].Sequence
				break
			} else if isIntegrityError(err) {
				return err
			}
		} else if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setErr(err)
		uploadFailuresTotal.WithLabelValues(s.cfg.Database.String(), KindBatch.String()).Inc()

		log.WithFields(log.Fields{
			"database": s.cfg.Database,
			"key":      key,
			"err":      err,
			"attempt":  attempt,
		}).Warn("failed to upload batch (will retry)")

		if err = sleepCtx(ctx, backoff(attempt)); err != nil {
			return err
		}
	}

	// Snapshot state is applied prior to the marker being advanced, so that
	// durable state is never behind the marker.
	if err = s.state.Apply(ctx, frames, last); err != nil {
		return pkgerrors.WithMessage(err, "applying batch to snapshot state")
	} else if err = s.log.MarkShipped(last); err != nil {
		return err
	}

	s.mu.Lock()
	s.shipped = last
	s.sinceSnapshot += uint64(len(frames))
	s.lastErr = nil
	s.mu.Unlock()

	var db = s.cfg.Database.String()
	shippedSequenceGauge.WithLabelValues(db).Set(float64(last))
	uploadedObjectsTotal.WithLabelValues(db, KindBatch.String()).Inc()
	uploadedBytesTotal.WithLabelValues(db, KindBatch.String()).Add(float64(len(content)))

	log.WithFields(log.Fields{
		"database": s.cfg.Database,
		"key":      key,
		"first":    first,
		"last":     last,
		"size":     humanize.Bytes(uint64(len(content))),
	}).Debug("shipped batch")

	return nil
}

// put uploads |content| to |key| of the preferred store. An existing batch
// returns errBatchExists, and an existing snapshot is left as-is. If |exiting| and the preferred store
// fails authorization, subsequent stores are tried.
func (s *Shipper) put(ctx context.Context, key string, content []byte, kind Kind, exiting bool) error {
	var bss = s.cfg.Stores

	for len(bss) != 0 {
		var bs = bss[0]
		bss = bss[1:]

		var store, err = stores.Get(bs)
		if err != nil {
			return err
		}

		exists, err := store.Exists(ctx, key)
		if err != nil {
			if exiting && len(bss) != 0 && store.IsAuthError(err) {
				continue // Fall back to the next store.
			}
			return err
		} else if exists && kind == KindBatch {
			return errBatchExists
		} else if exists {
			// Snapshots of a sequence are identical, and the caller verifies
			// the object which is already present.
			return nil
		}

		var timeoutCtx, cancel = context.WithTimeout(ctx, 5*time.Minute)
		err = store.Put(timeoutCtx, key, bytes.NewReader(content), int64(len(content)), "")
		cancel()

		if err != nil && exiting && len(bss) != 0 && store.IsAuthError(err) {
			continue
		}
		return err
	}
	return pkgerrors.New("no store accepted the object")
}

// adoptUploaded fetches the existing batch beginning at |first|, and
// verifies that it matches frames of the Log.
func (s *Shipper) adoptUploaded(ctx context.Context, first uint64) ([]pb.Frame, error) {
	for _, bs := range s.cfg.Stores {
		var obj = Object{Store: bs, Key: BatchKey(s.cfg.Database, first), Kind: KindBatch, Sequence: first}

		var store, err = stores.Get(bs)
		if err != nil {
			return nil, err
		}
		if exists, err := store.Exists(ctx, obj.Key); err != nil {
			return nil, err
		} else if !exists {
			continue
		}

		_, frames, err := fetchObject(ctx, obj)
		if err != nil {
			return nil, err
		}
		it, err := s.log.Read(first, len(frames))
		if err != nil {
			return nil, err
		}
		defer it.Close()

		for i := range frames {
			var frame, err = it.Next()
			if err == io.EOF {
				return nil, pkgerrors.Errorf("uploaded batch %s extends beyond the committed log", obj.Key)
			} else if err != nil {
				return nil, err
			} else if frame.Checksum != frames[i].Checksum || frame.Commit != frames[i].Commit {
				return nil, pkgerrors.WithMessagef(pb.ErrChecksumMismatch,
					"uploaded batch %s differs from the log at frame %d", obj.Key, frame.Sequence)
			}
		}
		if !frames[len(frames)-1].Commit {
			return nil, pkgerrors.WithMessagef(ErrMalformedObject,
				"uploaded batch %s doesn't end on a commit", obj.Key)
		}

		log.WithFields(log.Fields{
			"database": s.cfg.Database,
			"key":      obj.Key,
			"store":    bs,
		}).Info("adopted previously uploaded batch")

		return frames, nil
	}
	return nil, pkgerrors.Errorf("batch at %d was reported to exist, but wasn't found", first)
}

func (s *Shipper) snapshotDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shipped == s.lastSnapshot || s.sinceSnapshot == 0 {
		return false
	} else if s.cfg.SnapshotEveryFrames != 0 && s.sinceSnapshot >= s.cfg.SnapshotEveryFrames {
		return true
	} else if s.cfg.SnapshotInterval != 0 && time.Since(s.snapshotAt) >= s.cfg.SnapshotInterval {
		return true
	}
	return false
}

// snapshot writes, verifies, and prunes snapshots. Failures are logged, and
// the snapshot is attempted again after further frames are shipped.
func (s *Shipper) snapshot(ctx context.Context) {
	var seq, err = s.writeSnapshot(ctx)
	if err == nil {
		err = s.prune(ctx, seq)
	}
	if err != nil && ctx.Err() == nil {
		uploadFailuresTotal.WithLabelValues(s.cfg.Database.String(), KindSnapshot.String()).Inc()

		log.WithFields(log.Fields{
			"database": s.cfg.Database,
			"err":      err,
		}).Warn("failed to write snapshot (will retry)")
	}
}

func (s *Shipper) writeSnapshot(ctx context.Context) (uint64, error) {
	var seq, err = s.state.Watermark()
	if err != nil {
		return 0, err
	}
	var frames []pb.Frame
	if err = s.state.ForEachPage(func(f pb.Frame) error {
		frames = append(frames, f)
		return nil
	}); err != nil {
		return 0, pkgerrors.WithMessage(err, "reading snapshot state")
	}

	content, hdr, err := EncodeObject(KindSnapshot, s.cfg.Codec, frames, seq)
	if err != nil {
		return 0, err
	}
	var key = SnapshotKey(s.cfg.Database, seq)

	if err = s.putFn(ctx, key, content, KindSnapshot, false); err != nil {
		return 0, err
	}
	// Verify the snapshot by reading it back.
	var obj = Object{Store: s.cfg.Stores[0], Key: key, Kind: KindSnapshot, Sequence: seq}
	verified, _, err := fetchObject(ctx, obj)
	if err != nil {
		return 0, pkgerrors.WithMessage(err, "verifying snapshot")
	} else if verified != hdr {
		return 0, pkgerrors.WithMessagef(pb.ErrChecksumMismatch,
			"verifying snapshot %s: read header %#v (expected %#v)", key, verified, hdr)
	}

	var db = s.cfg.Database.String()
	uploadedObjectsTotal.WithLabelValues(db, KindSnapshot.String()).Inc()
	uploadedBytesTotal.WithLabelValues(db, KindSnapshot.String()).Add(float64(len(content)))
	snapshotsVerifiedTotal.WithLabelValues(db).Inc()

	s.mu.Lock()
	s.lastSnapshot = seq
	s.snapshotAt = time.Now()
	s.sinceSnapshot = 0
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"database": s.cfg.Database,
		"key":      key,
		"pages":    len(frames),
		"size":     humanize.Bytes(uint64(len(content))),
	}).Info("wrote snapshot")

	return seq, nil
}

// prune removes snapshots older than the KeepSnapshots most recent, and
// batches wholly covered by the oldest retained snapshot. Only objects of
// the preferred store are pruned.
func (s *Shipper) prune(ctx context.Context, latest uint64) error {
	var bs = s.cfg.Stores[0]
	var objects, err = ListObjects(ctx, s.cfg.Database, bs)
	if err != nil {
		return err
	}
	var snaps, batches = objects.Snapshots(), objects.Batches()
	if len(snaps) == 0 || snaps[len(snaps)-1].Sequence != latest {
		return pkgerrors.Errorf("listing doesn't include latest snapshot %d", latest)
	}

	var remove Objects
	if n := len(snaps) - s.cfg.KeepSnapshots; n > 0 {
		remove, snaps = append(remove, snaps[:n]...), snaps[n:]
	}
	var oldest = snaps[0].Sequence

	// Batch i spans [batches[i].Sequence, batches[i+1].Sequence-1].
	for i := 0; i+1 < len(batches); i++ {
		if batches[i+1].Sequence <= oldest+1 {
			remove = append(remove, batches[i])
		}
	}

	store, err := stores.Get(bs)
	if err != nil {
		return err
	}
	for _, obj := range remove {
		if err = store.Remove(ctx, obj.Key); err != nil && !errors.Is(err, pb.ErrNotFound) {
			return pkgerrors.WithMessagef(err, "removing %s", obj.Key)
		}
		prunedObjectsTotal.WithLabelValues(s.cfg.Database.String(), obj.Kind.String()).Inc()
	}

	if len(remove) != 0 {
		log.WithFields(log.Fields{
			"database": s.cfg.Database,
			"removed":  len(remove),
			"oldest":   oldest,
		}).Info("pruned backup objects")
	}
	return nil
}

var errBatchExists = errors.New("batch already exists")

func (s *Shipper) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
