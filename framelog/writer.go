package framelog

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
)

// Page is a page mutation to be appended to the Log.
type Page struct {
	ID    uint32
	Image []byte
}

// Range is an inclusive range of sequences.
type Range struct {
	First, Last uint64
}

// Writer is the exclusive capability to append to a Log. A Log hands out a
// single Writer, making the single-writer property structural rather than
// a matter of caller discipline.
type Writer struct {
	log *Log

	pending        []pb.Frame // Synced frames of the open transaction.
	pendingOffsets []int64
	pendingBytes   int64
	buf            []byte
	released       bool
	// failed is set if a rollback couldn't be applied to the active
	// segment, after which the Writer refuses further appends.
	failed error
}

// Append pages to the Log as frames with consecutive sequence numbers.
// Frames are checksummed, written, and synced before Append returns. If
// |commit|, the final frame is commit-flagged and all frames of the
// transaction (including those of prior, uncommitted Appends) become visible
// to readers. If the write or sync fails, an error wrapping ErrIO is
// returned and every frame of the transaction is rolled back.
func (w *Writer) Append(pages []Page, commit bool) (Range, error) {
	var l = w.log
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if w.released {
		return Range{}, errors.New("writer was released")
	} else if w.failed != nil {
		return Range{}, w.failed
	} else if len(pages) == 0 {
		return Range{}, pb.NewValidationError("expected at least one page")
	}
	for i, p := range pages {
		if len(p.Image) == 0 || (l.cfg.PageSize != 0 && len(p.Image) != l.cfg.PageSize) {
			return Range{}, pb.ExtendContext(pb.NewValidationError(
				"invalid page image length (%d; expected %d)", len(p.Image), l.cfg.PageSize), "Pages[%d]", i)
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Range{}, ErrClosed
	}
	var tail = l.tail()
	var committed = tail.last()
	l.mu.Unlock()

	// Roll to a new segment at a transaction boundary.
	if len(w.pending) == 0 && tail.size >= l.cfg.SegmentBytes && len(tail.offsets) != 0 {
		var err error
		if tail, err = w.roll(committed + 1); err != nil {
			return Range{}, err
		}
	}

	var (
		started = time.Now()
		first   = committed + uint64(len(w.pending)) + 1
		offset  = tail.size + w.pendingBytes
		frames  = make([]pb.Frame, len(pages))
		offsets = make([]int64, len(pages))
		buf     = w.buf[:0]
	)
	for i, p := range pages {
		frames[i] = pb.Frame{
			Sequence:  first + uint64(i),
			PageID:    p.ID,
			PageImage: append([]byte(nil), p.Image...),
			Commit:    commit && i == len(pages)-1,
		}
		frames[i].Seal()

		offsets[i] = offset + int64(len(buf))
		buf = pb.AppendFramed(buf, &frames[i])
	}
	w.buf = buf

	var _, err = l.active.WriteAt(buf, offset)
	if err == nil {
		err = l.active.Sync()
	}
	if err != nil {
		appendFailuresTotal.WithLabelValues(l.cfg.Database.String()).Inc()
		w.rollback(tail)
		return Range{}, errors.WithMessagef(pb.ErrIO, "appending frames [%d, %d]: %s",
			first, first+uint64(len(pages))-1, err)
	}

	w.pending = append(w.pending, frames...)
	w.pendingOffsets = append(w.pendingOffsets, offsets...)
	w.pendingBytes += int64(len(buf))

	var db = l.cfg.Database.String()
	appendedFramesTotal.WithLabelValues(db).Add(float64(len(frames)))
	appendedBytesTotal.WithLabelValues(db).Add(float64(len(buf)))
	appendDuration.WithLabelValues(db).Observe(time.Since(started).Seconds())

	var out = Range{First: first, Last: first + uint64(len(pages)) - 1}
	if !commit {
		return out, nil
	}

	l.mu.Lock()
	tail.offsets = append(tail.offsets, w.pendingOffsets...)
	tail.size += w.pendingBytes

	for _, f := range w.pending {
		l.cache.Add(f.Sequence, f)
	}
	l.updateGauges()
	l.wake()
	l.mu.Unlock()

	w.pending, w.pendingOffsets, w.pendingBytes = nil, nil, 0
	return out, nil
}

// Pending returns the number of uncommitted frames of the open transaction.
func (w *Writer) Pending() int {
	w.log.appendMu.Lock()
	defer w.log.appendMu.Unlock()
	return len(w.pending)
}

// Rollback discards uncommitted frames of the open transaction.
func (w *Writer) Rollback() error {
	var l = w.log
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	l.mu.Lock()
	var tail = l.tail()
	l.mu.Unlock()

	w.rollback(tail)
	return w.failed
}

// Release rolls back any open transaction and returns the Writer capability
// to the Log, which may then hand out a new Writer.
func (w *Writer) Release() error {
	var err = w.Rollback()

	w.log.appendMu.Lock()
	w.released = true
	w.log.appendMu.Unlock()

	w.log.mu.Lock()
	w.log.writerTaken = false
	w.log.mu.Unlock()

	return err
}

// rollback truncates the active segment to its committed size. l.appendMu must be held.
func (w *Writer) rollback(tail *segment) {
	var l = w.log
	w.pending, w.pendingOffsets, w.pendingBytes = nil, nil, 0

	var err = l.active.Truncate(tail.size)
	if err == nil {
		err = l.active.Sync()
	}
	if err != nil {
		w.failed = errors.WithMessagef(pb.ErrIO, "rolling back active segment: %s", err)

		log.WithFields(log.Fields{
			"database": l.cfg.Database,
			"err":      err,
		}).Error("failed to roll back log segment; writer is disabled")
	}
}

// roll closes the active segment, and begins a new one at |first|.
// l.appendMu must be held.
func (w *Writer) roll(first uint64) (*segment, error) {
	var l = w.log

	if err := l.createSegment(first); err != nil {
		return nil, err
	}
	var f, err = l.fs.OpenFile(l.segmentPath(first), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "opening segment %d: %s", first, err)
	}
	_ = l.active.Close()
	l.active = f

	var seg = &segment{first: first}

	l.mu.Lock()
	l.segments = append(l.segments, seg)
	l.mu.Unlock()

	return seg, nil
}
