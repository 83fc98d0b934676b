package framelog

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	pb "go.pagestream.dev/core/protocol"
)

// Iterator lazily reads an ordered range of committed frames of a Log.
// Returned Frames share memory with the Log's cache, and their PageImage
// must not be modified.
type Iterator struct {
	log     *Log
	next    uint64 // Next sequence to return.
	through uint64 // Final sequence to return.

	file      afero.File
	fileFirst uint64 // First sequence of the segment |file|.
	fileLast  uint64 // Last sequence of |file| as of its seek.
	fr        *pb.FrameReader
	frNext    uint64 // Sequence which |fr| will next decode.
}

// Read returns an Iterator over committed frames beginning at |from|. It
// yields at most |max| frames (or without limit, if |max| is zero), and
// never frames beyond the committed head as of the call to Read. An error
// wrapping ErrNotFound is returned if |from| is before the retained window
// of the Log or beyond its committed head plus one.
func (l *Log) Read(from uint64, max int) (*Iterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var earliest, committed = l.segments[0].first, l.tail().last()

	if l.closed {
		return nil, ErrClosed
	} else if from < earliest {
		return nil, errors.WithMessagef(pb.ErrNotFound,
			"sequence %d is before the earliest retained sequence %d", from, earliest)
	} else if from > committed+1 {
		return nil, errors.WithMessagef(pb.ErrNotFound,
			"sequence %d is beyond the committed head %d", from, committed)
	}

	var through = committed
	if max > 0 && from+uint64(max)-1 < through {
		through = from + uint64(max) - 1
	}
	return &Iterator{log: l, next: from, through: through}, nil
}

// Next returns the next Frame, or io.EOF if the Iterator is exhausted.
// Each frame is verified against its checksum.
func (it *Iterator) Next() (pb.Frame, error) {
	if it.next > it.through {
		return pb.Frame{}, io.EOF
	}
	if v, ok := it.log.cache.Get(it.next); ok {
		it.next++
		return v.(pb.Frame), nil
	}

	// A segment's final frame is followed by EOF, so crossing into the
	// next segment requires a fresh seek.
	if it.fr == nil || it.frNext != it.next || it.next > it.fileLast {
		if err := it.seek(); err != nil {
			return pb.Frame{}, err
		}
	}

	var frame, err = it.fr.Next()
	if err != nil {
		return pb.Frame{}, errors.WithMessagef(pb.ErrIO, "reading frame %d: %s", it.next, err)
	} else if frame.Sequence != it.next {
		return pb.Frame{}, errors.WithMessagef(pb.ErrSequenceGap,
			"expected frame %d, read %d", it.next, frame.Sequence)
	} else if err = frame.Verify(); err != nil {
		return pb.Frame{}, err
	}
	it.log.cache.Add(frame.Sequence, frame)

	it.frNext++
	it.next++
	return frame, nil
}

// Remaining returns the number of frames not yet returned by the Iterator.
func (it *Iterator) Remaining() int { return int(it.through + 1 - it.next) }

// Close releases resources of the Iterator.
func (it *Iterator) Close() error {
	if it.file != nil {
		var err = it.file.Close()
		it.file, it.fr = nil, nil
		return err
	}
	return nil
}

// seek positions the Iterator's reader at frame |it.next|.
func (it *Iterator) seek() error {
	var l = it.log

	l.mu.Lock()
	var ind = sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].last() >= it.next || i == len(l.segments)-1
	})
	var seg = l.segments[ind]

	if !seg.contains(it.next) {
		l.mu.Unlock()
		return errors.WithMessagef(pb.ErrNotFound, "frame %d is no longer retained", it.next)
	}
	var first, last, offset = seg.first, seg.last(), seg.offsets[it.next-seg.first]
	l.mu.Unlock()

	if it.file == nil || it.fileFirst != first {
		if it.file != nil {
			_ = it.file.Close()
		}
		var f, err = l.fs.Open(l.segmentPath(first))
		if err != nil {
			it.file, it.fr = nil, nil
			return errors.WithMessagef(pb.ErrNotFound, "opening segment %d: %s", first, err)
		}
		it.file, it.fileFirst = f, first
	}

	if _, err := it.file.Seek(offset, io.SeekStart); err != nil {
		return errors.WithMessagef(pb.ErrIO, "seeking segment %d: %s", first, err)
	}
	it.fr = pb.NewFrameReader(it.file)
	it.frNext, it.fileLast = it.next, last
	return nil
}
