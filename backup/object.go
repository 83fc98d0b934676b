package backup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.pagestream.dev/core/codecs"
	pb "go.pagestream.dev/core/protocol"
)

// Kind of a backup object.
type Kind uint8

const (
	// KindBatch is a batch of consecutive committed frames, ending on a commit.
	KindBatch Kind = 1
	// KindSnapshot holds the latest frame of each page as of a sequence.
	KindSnapshot Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindSnapshot:
		return "snapshot"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// HeaderLength is the fixed length of an encoded Header.
const HeaderLength = 48

// MaxObjectLength bounds the uncompressed payload Length of a Header.
const MaxObjectLength = 1 << 36

// Each framed Frame carries at least one byte of page image.
const minFramedLength = pb.FrameHeaderLength + pb.FrameFixedSize + 1

// Header leads every backup object, and describes its payload: a sequence of
// framed Frames, compressed under Codec.
type Header struct {
	Kind  Kind
	Codec pb.CompressionCodec
	// First and Last sequences of the object. For a batch these are its first
	// and last frame. For a snapshot First is the least sequence of any
	// included frame, and Last is the snapshot sequence.
	First, Last uint64
	// Count of frames within the payload.
	Count uint64
	// Checksum is the xxhash64 of the uncompressed payload.
	Checksum uint64
	// Length of the uncompressed payload.
	Length uint64
}

// Validate returns an error if the Header is not well-formed.
func (h *Header) Validate() error {
	if h.Kind != KindBatch && h.Kind != KindSnapshot {
		return pb.NewValidationError("invalid Kind (%s)", h.Kind)
	} else if err := h.Codec.Validate(); err != nil {
		return pb.ExtendContext(err, "Codec")
	} else if h.Kind == KindBatch && (h.First == 0 || h.Last < h.First) {
		return pb.NewValidationError("invalid batch range [%d, %d]", h.First, h.Last)
	} else if h.Kind == KindSnapshot && h.Last == 0 {
		return pb.NewValidationError("invalid snapshot sequence (0; expected > 0)")
	} else if h.Kind == KindBatch && h.Count != h.Last-h.First+1 {
		return pb.NewValidationError("invalid batch Count (%d; expected %d)", h.Count, h.Last-h.First+1)
	} else if h.Length > MaxObjectLength {
		return pb.NewValidationError("invalid Length (%d; expected <= %d)", h.Length, MaxObjectLength)
	} else if h.Count > h.Length/minFramedLength {
		return pb.NewValidationError("invalid Count (%d; Length %d holds at most %d frames)",
			h.Count, h.Length, h.Length/minFramedLength)
	}
	return nil
}

// marshal the Header into |b|, which must be HeaderLength bytes.
func (h *Header) marshal(b []byte) {
	copy(b[0:4], objectMagic[:])
	b[4] = objectVersion
	b[5] = byte(h.Kind)
	b[6] = byte(h.Codec)
	b[7] = 0 // Reserved.
	binary.LittleEndian.PutUint64(b[8:16], h.First)
	binary.LittleEndian.PutUint64(b[16:24], h.Last)
	binary.LittleEndian.PutUint64(b[24:32], h.Count)
	binary.LittleEndian.PutUint64(b[32:40], h.Checksum)
	binary.LittleEndian.PutUint64(b[40:48], h.Length)
}

func (h *Header) unmarshal(b []byte) error {
	if !bytes.Equal(b[0:4], objectMagic[:]) {
		return errors.WithMessagef(ErrMalformedObject, "invalid magic %x", b[0:4])
	} else if b[4] != objectVersion {
		return errors.WithMessagef(ErrMalformedObject, "unsupported version %d", b[4])
	}
	*h = Header{
		Kind:     Kind(b[5]),
		Codec:    pb.CompressionCodec(b[6]),
		First:    binary.LittleEndian.Uint64(b[8:16]),
		Last:     binary.LittleEndian.Uint64(b[16:24]),
		Count:    binary.LittleEndian.Uint64(b[24:32]),
		Checksum: binary.LittleEndian.Uint64(b[32:40]),
		Length:   binary.LittleEndian.Uint64(b[40:48]),
	}
	if err := h.Validate(); err != nil {
		return errors.WithMessage(ErrMalformedObject, err.Error())
	}
	return nil
}

// EncodeObject encodes |frames| as a backup object of the Kind, compressed
// under |codec|. A snapshot object is encoded through sequence |last|,
// while a batch object's range is that of its frames.
func EncodeObject(kind Kind, codec pb.CompressionCodec, frames []pb.Frame, last uint64) ([]byte, Header, error) {
	var payload []byte
	var hdr = Header{Kind: kind, Codec: codec, Count: uint64(len(frames)), Last: last}

	for i := range frames {
		payload = pb.AppendFramed(payload, &frames[i])

		if s := frames[i].Sequence; hdr.First == 0 || s < hdr.First {
			hdr.First = s
		}
	}
	if kind == KindBatch && len(frames) != 0 {
		hdr.First, hdr.Last = frames[0].Sequence, frames[len(frames)-1].Sequence
	}
	hdr.Checksum = xxhash.Sum64(payload)
	hdr.Length = uint64(len(payload))

	if err := hdr.Validate(); err != nil {
		return nil, Header{}, err
	}

	var buf = bytes.NewBuffer(make([]byte, HeaderLength, HeaderLength+len(payload)))
	var cw, err = codecs.NewCodecWriter(buf, codec)
	if err != nil {
		return nil, Header{}, err
	}
	if _, err = cw.Write(payload); err == nil {
		err = cw.Close()
	}
	if err != nil {
		return nil, Header{}, errors.WithMessage(err, "compressing object")
	}

	var b = buf.Bytes()
	hdr.marshal(b[:HeaderLength])
	return b, hdr, nil
}

// DecodeObject decodes a backup object from |r|, verifying its payload
// checksum and each of its frames.
func DecodeObject(r io.Reader) (Header, []pb.Frame, error) {
	var hdr Header
	var b [HeaderLength]byte

	if _, err := io.ReadFull(r, b[:]); err != nil {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject, "reading header: %s", err)
	} else if err = hdr.unmarshal(b[:]); err != nil {
		return hdr, nil, err
	}

	var dec, err = codecs.NewCodecReader(r, hdr.Codec)
	if err != nil {
		return hdr, nil, errors.WithMessage(ErrMalformedObject, err.Error())
	}
	defer dec.Close()

	// Read one byte beyond Length, to detect trailing content. The buffer
	// grows with content actually read rather than the claimed Length.
	var buf bytes.Buffer
	if _, err = io.Copy(&buf, io.LimitReader(dec, int64(hdr.Length)+1)); err != nil {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject, "decompressing: %s", err)
	}
	var payload = buf.Bytes()

	if uint64(len(payload)) != hdr.Length {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject,
			"payload length %d doesn't match header (%d)", len(payload), hdr.Length)
	} else if sum := xxhash.Sum64(payload); sum != hdr.Checksum {
		return hdr, nil, errors.WithMessagef(pb.ErrChecksumMismatch,
			"object payload (%016x; expected %016x)", sum, hdr.Checksum)
	}

	// Count is bounded by Length, which now matches the payload.
	var frames = make([]pb.Frame, 0, hdr.Count)
	var fr = pb.NewFrameReader(bytes.NewReader(payload))

	for {
		var frame, err = fr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return hdr, nil, errors.WithMessagef(ErrMalformedObject, "decoding frame: %s", err)
		} else if err = frame.Verify(); err != nil {
			return hdr, nil, err
		} else if frame.Sequence > hdr.Last || frame.Sequence < hdr.First {
			return hdr, nil, errors.WithMessagef(ErrMalformedObject,
				"frame %d outside of object range [%d, %d]", frame.Sequence, hdr.First, hdr.Last)
		} else if hdr.Kind == KindBatch && frame.Sequence != hdr.First+uint64(len(frames)) {
			return hdr, nil, errors.WithMessagef(pb.ErrSequenceGap,
				"batch frame %d (expected %d)", frame.Sequence, hdr.First+uint64(len(frames)))
		}
		frames = append(frames, frame)
	}

	if uint64(len(frames)) != hdr.Count {
		return hdr, nil, errors.WithMessagef(ErrMalformedObject,
			"frame count %d doesn't match header (%d)", len(frames), hdr.Count)
	}
	return hdr, frames, nil
}

// BatchKey returns the object key of the batch of |database| beginning at |first|.
func BatchKey(database pb.DatabaseID, first uint64) string {
	return fmt.Sprintf("%s/%020d", database, first)
}

// SnapshotKey returns the object key of the snapshot of |database| at |seq|.
func SnapshotKey(database pb.DatabaseID, seq uint64) string {
	return fmt.Sprintf("%s/%s%020d", database, snapshotDir, seq)
}

// ParseKey parses a |path| relative to the "{database}/" prefix into its
// Kind and sequence. Unrecognized paths return ok = false.
func ParseKey(path string) (kind Kind, seq uint64, ok bool) {
	if strings.HasPrefix(path, snapshotDir) {
		kind, path = KindSnapshot, path[len(snapshotDir):]
	} else {
		kind = KindBatch
	}
	if len(path) != 20 {
		return 0, 0, false
	}
	var err error
	if seq, err = strconv.ParseUint(path, 10, 64); err != nil || seq == 0 {
		return 0, 0, false
	}
	return kind, seq, true
}

// ErrMalformedObject is returned when a backup object can't be decoded.
var ErrMalformedObject = errors.New("malformed backup object")

var objectMagic = [4]byte{0x70, 0x73, 0x62, 0x6b} // "psbk"

const (
	objectVersion = 1
	snapshotDir   = "snapshot/"
)
