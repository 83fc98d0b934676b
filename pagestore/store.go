// Package pagestore implements local stores to which committed frames of
// the Frame Log are applied. A Store holds the latest image of each page
// together with its Apply Watermark: the sequence through which frames have
// been fully applied. Pages and the watermark are always updated within a
// single transaction, such that a crash never exposes a partially applied
// transaction.
package pagestore

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	pb "go.pagestream.dev/core/protocol"
)

// Store is a local store of page images.
type Store interface {
	// Apply |frames| and advance the watermark to |through|, atomically.
	// Frames are applied in order, and a later frame of a page replaces an
	// earlier one. If |through| is at or below the current watermark Apply
	// is a no-op, and frames at or below the watermark are skipped.
	Apply(ctx context.Context, frames []pb.Frame, through uint64) error
	// Watermark returns the sequence through which frames are applied.
	Watermark() (uint64, error)
	// Page returns the current image of page |id|, if it exists.
	Page(id uint32) ([]byte, bool, error)
	// ForEachPage invokes |fn| with the latest frame of each page, in
	// ascending page ID order. Frames have a clear Commit flag. |fn| must
	// not call back into the Store.
	ForEachPage(fn func(pb.Frame) error) error
	// Close the Store.
	Close() error
}

// ValidateApply returns an error if |frames| can't be applied through |through|.
func ValidateApply(frames []pb.Frame, through uint64) error {
	for i := range frames {
		if err := frames[i].Validate(); err != nil {
			return pb.ExtendContext(err, "Frames[%d]", i)
		} else if frames[i].Sequence > through {
			return pb.NewValidationError("Frames[%d]: sequence %d is beyond through %d",
				i, frames[i].Sequence, through)
		}
	}
	return nil
}

// Digest returns a deterministic digest of the Store's watermark and page
// images, suited for comparing the states of Stores on different nodes.
func Digest(s Store) (uint64, error) {
	var wm, err = s.Watermark()
	if err != nil {
		return 0, err
	}
	var h = xxhash.New()
	var b [12]byte

	binary.LittleEndian.PutUint64(b[:8], wm)
	_, _ = h.Write(b[:8])

	if err = s.ForEachPage(func(f pb.Frame) error {
		binary.LittleEndian.PutUint32(b[:4], f.PageID)
		binary.LittleEndian.PutUint64(b[4:], uint64(len(f.PageImage)))
		_, _ = h.Write(b[:])
		_, _ = h.Write(f.PageImage)
		return nil
	}); err != nil {
		return 0, errors.WithMessage(err, "digesting pages")
	}
	return h.Sum64(), nil
}
