package protocol

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Frame is a single page mutation of the log. Sequences are strictly
// increasing and gap-free across the log of a database. The Checksum covers
// Sequence, PageID and PageImage. A Frame having Commit set is the final
// frame of its transaction.
type Frame struct {
	Sequence  uint64
	PageID    uint32
	PageImage []byte
	Checksum  uint64
	Commit    bool
}

// FrameFixedSize is the number of bytes of an encoded Frame other than its
// page image: sequence (8), page ID (4), checksum (8) and commit flag (1).
const FrameFixedSize = 8 + 4 + 8 + 1

// ComputeChecksum returns the xxhash64 digest of the Frame's little-endian
// Sequence, PageID, and PageImage.
func (m *Frame) ComputeChecksum() uint64 {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], m.Sequence)
	binary.LittleEndian.PutUint32(hdr[8:12], m.PageID)

	var d = xxhash.New()
	_, _ = d.Write(hdr[:])
	_, _ = d.Write(m.PageImage)
	return d.Sum64()
}

// Seal computes and sets the Frame Checksum.
func (m *Frame) Seal() { m.Checksum = m.ComputeChecksum() }

// Verify returns ErrChecksumMismatch if the Frame Checksum doesn't match its content.
func (m *Frame) Verify() error {
	if sum := m.ComputeChecksum(); sum != m.Checksum {
		return errors.WithMessagef(ErrChecksumMismatch,
			"frame %d (page %d): expected %016x, computed %016x", m.Sequence, m.PageID, m.Checksum, sum)
	}
	return nil
}

// Validate returns an error if the Frame is not well-formed.
func (m *Frame) Validate() error {
	if m.Sequence == 0 {
		return NewValidationError("invalid Sequence (0; expected > 0)")
	} else if len(m.PageImage) == 0 {
		return NewValidationError("expected PageImage")
	}
	return nil
}

// ProtoSize returns the encoded size of the Frame, excluding framing.
func (m *Frame) ProtoSize() int { return FrameFixedSize + len(m.PageImage) }

// MarshalTo encodes the Frame into |b|, which must have length of at least
// ProtoSize. It returns the number of bytes written.
func (m *Frame) MarshalTo(b []byte) (int, error) {
	var size = m.ProtoSize()
	if len(b) < size {
		return 0, errors.Errorf("buffer too small (%d; expected %d)", len(b), size)
	}
	var n = len(m.PageImage)

	binary.LittleEndian.PutUint64(b[0:8], m.Sequence)
	binary.LittleEndian.PutUint32(b[8:12], m.PageID)
	copy(b[12:12+n], m.PageImage)
	binary.LittleEndian.PutUint64(b[12+n:20+n], m.Checksum)

	if m.Commit {
		b[20+n] = 1
	} else {
		b[20+n] = 0
	}
	return size, nil
}

// Unmarshal decodes the Frame from |b|. The page image is copied, and |b|
// may be re-used after Unmarshal returns. The checksum is not verified.
func (m *Frame) Unmarshal(b []byte) error {
	if len(b) <= FrameFixedSize {
		return errors.Errorf("frame payload too short (%d bytes)", len(b))
	}
	var n = len(b) - FrameFixedSize

	m.Sequence = binary.LittleEndian.Uint64(b[0:8])
	m.PageID = binary.LittleEndian.Uint32(b[8:12])
	m.PageImage = append(m.PageImage[:0], b[12:12+n]...)
	m.Checksum = binary.LittleEndian.Uint64(b[12+n : 20+n])

	switch b[20+n] {
	case 0:
		m.Commit = false
	case 1:
		m.Commit = true
	default:
		return errors.Errorf("invalid commit flag (%d)", b[20+n])
	}
	return nil
}
