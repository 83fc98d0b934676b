package framelog

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	pb "go.pagestream.dev/core/protocol"
)

// Config configures a Log.
type Config struct {
	// Database of the Log, used to label metrics and logs.
	Database pb.DatabaseID
	// Directory holding the Log's segment files.
	Directory string
	// PageSize is the required length of each appended page image.
	// If zero, any non-empty page image is accepted.
	PageSize int
	// SegmentBytes is the size at which the active segment is rolled
	// to a new one, at the next transaction boundary.
	SegmentBytes int64
	// CacheFrames is the number of recently committed or read frames
	// cached in memory. If zero, DefaultCacheFrames is used.
	CacheFrames int
	// RequireShipped clamps RetainFrom to frames which have been shipped.
	RequireShipped bool
}

// Validate returns an error if the Config is not well-formed.
func (cfg *Config) Validate() error {
	if err := cfg.Database.Validate(); err != nil {
		return pb.ExtendContext(err, "Database")
	} else if cfg.Directory == "" {
		return pb.NewValidationError("expected Directory")
	} else if cfg.PageSize < 0 {
		return pb.NewValidationError("invalid PageSize (%d; expected >= 0)", cfg.PageSize)
	} else if cfg.SegmentBytes <= 0 {
		return pb.NewValidationError("invalid SegmentBytes (%d; expected > 0)", cfg.SegmentBytes)
	} else if cfg.CacheFrames < 0 {
		return pb.NewValidationError("invalid CacheFrames (%d; expected >= 0)", cfg.CacheFrames)
	}
	return nil
}

// DefaultCacheFrames is the default number of cached frames of a Log.
const DefaultCacheFrames = 4096

// Log is the local, durable Frame Log of a database.
type Log struct {
	cfg   Config
	fs    afero.Fs
	cache *lru.Cache

	appendMu sync.Mutex // Serializes appends, rollbacks, and resets.
	active   afero.File // Open active (final) segment. Guarded by |appendMu|.
	shipMu   sync.Mutex // Serializes writes of the shipped marker.

	mu          sync.Mutex
	segments    []*segment    // Ascending. The final segment is active.
	shipped     uint64        // Durable shipped marker.
	changeCh    chan struct{} // Closed and replaced on each commit.
	writerTaken bool
	closed      bool
}

// Open the Log of the Config, recovering existing segments of its Directory.
// An empty Directory begins a Log at sequence one.
func Open(fs afero.Fs, cfg Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	} else if cfg.CacheFrames == 0 {
		cfg.CacheFrames = DefaultCacheFrames
	}
	var cache, err = lru.New(cfg.CacheFrames)
	if err != nil {
		return nil, err
	}
	var l = &Log{
		cfg:      cfg,
		fs:       fs,
		cache:    cache,
		changeCh: make(chan struct{}),
	}

	if err = fs.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "creating log directory: %s", err)
	}
	firsts, err := l.listSegments()
	if err != nil {
		return nil, err
	}

	if len(firsts) == 0 {
		if err = l.createSegment(1); err != nil {
			return nil, err
		}
		firsts = []uint64{1}
	}

	for i, first := range firsts {
		var seg, err = recoverSegment(fs, cfg.Directory, first, i == len(firsts)-1)
		if err != nil {
			return nil, err
		} else if i != 0 && seg.first != l.segments[i-1].last()+1 {
			return nil, errors.WithMessagef(pb.ErrSequenceGap,
				"segment %d doesn't follow segment %d (last %d)", seg.first,
				l.segments[i-1].first, l.segments[i-1].last())
		}
		l.segments = append(l.segments, seg)
	}

	if l.active, err = fs.OpenFile(l.segmentPath(l.tail().first), os.O_RDWR, 0); err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "opening active segment: %s", err)
	}
	if l.shipped, err = l.readShipped(); err != nil {
		_ = l.active.Close()
		return nil, err
	}
	// The marker may precede the earliest segment only if retention
	// wasn't clamped, and can't exceed the recovered head.
	if c := l.tail().last(); l.shipped > c {
		l.shipped = c
	}
	l.updateGauges()

	log.WithFields(log.Fields{
		"database":  cfg.Database,
		"directory": cfg.Directory,
		"segments":  len(l.segments),
		"earliest":  l.segments[0].first,
		"committed": l.tail().last(),
		"shipped":   l.shipped,
	}).Info("opened frame log")

	return l, nil
}

// Writer returns the single Writer of the Log. Only one Writer may be taken
// over the Log's lifetime, unless it's explicitly Released.
func (l *Log) Writer() (*Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	} else if l.writerTaken {
		return nil, ErrWriterTaken
	}
	l.writerTaken = true
	return &Writer{log: l}, nil
}

// Earliest returns the first retained sequence of the Log.
// If the Log holds no frames, it's Committed()+1.
func (l *Log) Earliest() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[0].first
}

// Committed returns the sequence of the committed head of the Log,
// or zero if no frame has ever been committed.
func (l *Log) Committed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail().last()
}

// Bounds returns Earliest and Committed, as of a single point in time.
func (l *Log) Bounds() (earliest, committed uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[0].first, l.tail().last()
}

// Changed returns a channel which is closed upon the next commit to the Log
// (or its Reset or Close).
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changeCh
}

// AwaitCommitted blocks until the committed head of the Log is beyond
// |after|, and returns the committed head.
func (l *Log) AwaitCommitted(ctx context.Context, after uint64) (uint64, error) {
	for {
		l.mu.Lock()
		var committed, ch, closed = l.tail().last(), l.changeCh, l.closed
		l.mu.Unlock()

		if committed > after {
			return committed, nil
		} else if closed {
			return committed, ErrClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return committed, ctx.Err()
		}
	}
}

// ShippedSequence returns the durable shipped marker of the Log.
func (l *Log) ShippedSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shipped
}

// MarkShipped durably records that frames through |seq| have been shipped
// to remote storage. Markers which don't advance the current one are ignored.
func (l *Log) MarkShipped(seq uint64) error {
	l.mu.Lock()
	if c := l.tail().last(); seq > c {
		l.mu.Unlock()
		return errors.Errorf("shipped sequence %d is beyond committed head %d", seq, c)
	} else if seq <= l.shipped {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.writeShipped(seq); err != nil {
		return err
	}

	l.mu.Lock()
	if seq > l.shipped {
		l.shipped = seq
	}
	l.mu.Unlock()
	return nil
}

// RetainFrom removes whole segments holding only frames before |seq|.
// If the Log RequireShipped, |seq| is first clamped to the shipped marker plus
// one, such that no unshipped frame is removed. The active segment is never
// removed. RetainFrom returns the resulting earliest retained sequence.
func (l *Log) RetainFrom(seq uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.RequireShipped && seq > l.shipped+1 {
		seq = l.shipped + 1
	}

	var n int
	for n+1 < len(l.segments) && l.segments[n+1].first <= seq {
		var name = l.segmentPath(l.segments[n].first)

		if err := l.fs.Remove(name); err != nil && !os.IsNotExist(err) {
			l.segments = l.segments[n:]
			l.updateGauges()
			return l.segments[0].first, errors.WithMessagef(pb.ErrIO, "removing segment %s: %s", name, err)
		}
		n++
	}

	if n != 0 {
		log.WithFields(log.Fields{
			"database": l.cfg.Database,
			"removed":  n,
			"earliest": l.segments[n].first,
			"shipped":  l.shipped,
		}).Info("removed log segments")

		removedSegmentsTotal.WithLabelValues(l.cfg.Database.String()).Add(float64(n))
		l.segments = append([]*segment(nil), l.segments[n:]...)
		l.updateGauges()
	}
	return l.segments[0].first, nil
}

// Reset discards every frame of the Log, such that its retained window begins
// at |base|+1 and |base| is both its committed head and shipped marker. It's
// used after a restore from remote storage through sequence |base|. Reset
// fails if the Writer holds uncommitted frames.
func (l *Log) Reset(base uint64) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	var size, err = l.active.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.WithMessagef(pb.ErrIO, "seeking active segment: %s", err)
	} else if size != l.tail().size {
		return errors.New("cannot Reset with an uncommitted transaction")
	}
	_ = l.active.Close()

	for _, seg := range l.segments {
		if err = l.fs.Remove(l.segmentPath(seg.first)); err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(pb.ErrIO, "removing segment: %s", err)
		}
	}
	l.segments = nil

	if err = l.createSegment(base + 1); err != nil {
		return err
	} else if l.active, err = l.fs.OpenFile(l.segmentPath(base+1), os.O_RDWR, 0); err != nil {
		return errors.WithMessagef(pb.ErrIO, "opening active segment: %s", err)
	}
	l.segments = []*segment{{first: base + 1}}

	if err = l.writeShipped(base); err != nil {
		return err
	}
	l.shipped = base
	l.cache.Purge()
	l.updateGauges()
	l.wake()

	log.WithFields(log.Fields{
		"database": l.cfg.Database,
		"base":     base,
	}).Info("reset frame log")

	return nil
}

// Close the Log. Blocked AwaitCommitted calls return ErrClosed.
func (l *Log) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.wake()
	return l.active.Close()
}

// tail returns the active segment. l.mu must be held.
func (l *Log) tail() *segment { return l.segments[len(l.segments)-1] }

// wake signals all waiters of Changed. l.mu must be held.
func (l *Log) wake() {
	close(l.changeCh)
	l.changeCh = make(chan struct{})
}

func (l *Log) updateGauges() {
	var db = l.cfg.Database.String()
	committedSequenceGauge.WithLabelValues(db).Set(float64(l.tail().last()))
	earliestSequenceGauge.WithLabelValues(db).Set(float64(l.segments[0].first))
}

func (l *Log) segmentPath(first uint64) string {
	return path.Join(l.cfg.Directory, segmentName(first))
}

func (l *Log) createSegment(first uint64) error {
	var f, err = l.fs.OpenFile(l.segmentPath(first), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err == nil {
		err = f.Sync()
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return errors.WithMessagef(pb.ErrIO, "creating segment %d: %s", first, err)
	}
	return nil
}

func (l *Log) listSegments() ([]uint64, error) {
	var infos, err = afero.ReadDir(l.fs, l.cfg.Directory)
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "listing log directory: %s", err)
	}
	var out []uint64
	for _, info := range infos {
		if first, ok := parseSegmentName(info.Name()); ok && !info.IsDir() {
			out = append(out, first)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (l *Log) readShipped() (uint64, error) {
	var b, err = afero.ReadFile(l.fs, path.Join(l.cfg.Directory, shippedName))
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, errors.WithMessagef(pb.ErrIO, "reading shipped marker: %s", err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, errors.WithMessagef(pb.ErrIO, "parsing shipped marker %q: %s", b, err)
	}
	return seq, nil
}

// writeShipped atomically replaces the shipped marker via a synced
// temporary file and rename.
func (l *Log) writeShipped(seq uint64) error {
	l.shipMu.Lock()
	defer l.shipMu.Unlock()

	var name = path.Join(l.cfg.Directory, shippedName)

	var f, err = l.fs.OpenFile(name+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err == nil {
		_, err = f.WriteString(strconv.FormatUint(seq, 10) + "\n")
		if err == nil {
			err = f.Sync()
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}
	if err == nil {
		err = l.fs.Rename(name+".tmp", name)
	}
	if err != nil {
		return errors.WithMessagef(pb.ErrIO, "writing shipped marker: %s", err)
	}
	return nil
}

const shippedName = "SHIPPED"
