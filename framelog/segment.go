package framelog

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	pb "go.pagestream.dev/core/protocol"
)

// segment is a file holding a contiguous run of committed frames.
type segment struct {
	first   uint64  // Sequence of the first frame of the segment.
	offsets []int64 // Byte offset of each committed frame, indexed by sequence-first.
	size    int64   // Byte length of committed frames.
}

// last returns the last committed sequence of the segment,
// or first-1 if the segment is empty.
func (s *segment) last() uint64 { return s.first + uint64(len(s.offsets)) - 1 }

// contains returns whether the committed sequence |seq| is within the segment.
func (s *segment) contains(seq uint64) bool {
	return seq >= s.first && seq-s.first < uint64(len(s.offsets))
}

func segmentName(first uint64) string { return fmt.Sprintf("%020d%s", first, segmentSuffix) }

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	var first, err = strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	return first, err == nil && first != 0
}

// recoverSegment scans the segment file beginning at |first|, verifying each
// frame. If |tail|, the segment is the final one of the log: content following
// the last commit frame (a torn or uncommitted tail) is truncated. Otherwise,
// the segment must hold only whole, committed transactions.
func recoverSegment(fs afero.Fs, dir string, first uint64, tail bool) (*segment, error) {
	var name = path.Join(dir, segmentName(first))

	var f, err = fs.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "opening segment %s: %s", name, err)
	}
	defer f.Close()

	var (
		seg       = &segment{first: first}
		fr        = pb.NewFrameReader(f)
		offsets   []int64
		expect    = first
		stopCause error
	)
	for {
		var offset = fr.Offset
		var frame, err = fr.Next()

		if err == io.EOF {
			break
		} else if err == nil && frame.Sequence != expect {
			err = errors.WithMessagef(pb.ErrSequenceGap, "expected %d, got %d", expect, frame.Sequence)
		} else if err == nil {
			err = frame.Verify()
		}
		if err != nil {
			stopCause = err
			break
		}
		offsets = append(offsets, offset)
		expect++

		if frame.Commit {
			seg.offsets = offsets
			seg.size = fr.Offset
		}
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "stat of segment %s: %s", name, err)
	} else if info.Size() == seg.size {
		return seg, nil // Clean.
	} else if !tail {
		return nil, errors.WithMessagef(pb.ErrIO,
			"segment %s has %d bytes beyond its last commit (%v)", name, info.Size()-seg.size, stopCause)
	}

	log.WithFields(log.Fields{
		"segment":   name,
		"committed": seg.last(),
		"truncated": info.Size() - seg.size,
		"cause":     stopCause,
	}).Warn("truncating uncommitted tail of log segment")

	if err = f.Truncate(seg.size); err == nil {
		err = f.Sync()
	}
	if err != nil {
		return nil, errors.WithMessagef(pb.ErrIO, "truncating segment %s: %s", name, err)
	}
	return seg, nil
}

const segmentSuffix = ".seg"
