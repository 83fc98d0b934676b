package protocol

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// FrameHeaderLength is the number of leading header bytes of each framed
// Frame: a 4-byte magic word followed by a little-endian uint32 length.
const FrameHeaderLength = 8

// FramedSize returns the size of the Frame once framed.
func FramedSize(f *Frame) int { return FrameHeaderLength + f.ProtoSize() }

// AppendFramed encodes Frame |f| by appending into buffer |b|, which will be
// grown if needed and returned.
func AppendFramed(b []byte, f *Frame) []byte {
	var size = FramedSize(f)
	var offset = len(b)

	if size > (cap(b) - offset) {
		b = append(b, make([]byte, size)...)
	} else {
		b = b[:offset+size]
	}
	copy(b[offset:offset+4], magicWord[:])
	binary.LittleEndian.PutUint32(b[offset+4:offset+8], uint32(size-FrameHeaderLength))

	// MarshalTo fails only on a short buffer, which we've ruled out.
	_, _ = f.MarshalTo(b[offset+FrameHeaderLength:])
	return b
}

// FrameReader decodes framed Frames from a Reader.
type FrameReader struct {
	br *bufio.Reader
	// Offset is the number of bytes of complete frames consumed so far.
	Offset int64
}

// NewFrameReader returns a FrameReader of |r|.
func NewFrameReader(r io.Reader) *FrameReader {
	var br, ok = r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32*1024)
	}
	return &FrameReader{br: br}
}

// Next decodes and returns the next Frame. It returns io.EOF only at a clean
// frame boundary. A frame cut short returns io.ErrUnexpectedEOF, and content
// which doesn't begin with the magic word returns ErrDesyncDetected. Next
// does not verify the Frame checksum.
func (fr *FrameReader) Next() (Frame, error) {
	var frame Frame

	var b, err = fr.br.Peek(FrameHeaderLength)
	if err != nil {
		if err == io.EOF && len(b) != 0 {
			err = io.ErrUnexpectedEOF
		}
		return frame, err
	} else if !matchesMagicWord(b) {
		return frame, errors.WithMessagef(ErrDesyncDetected, "at offset %d", fr.Offset)
	}
	var size = FrameHeaderLength + int(binary.LittleEndian.Uint32(b[4:]))

	// Fast path: the full frame is already buffered.
	if b, err = fr.br.Peek(size); err != nil {
		b = make([]byte, size)

		if _, err = io.ReadFull(fr.br, b); err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return frame, err
		}
	} else {
		defer fr.br.Discard(size)
	}

	if err = frame.Unmarshal(b[FrameHeaderLength:]); err != nil {
		return frame, errors.WithMessagef(err, "at offset %d", fr.Offset)
	}
	fr.Offset += int64(size)
	return frame, nil
}

func matchesMagicWord(b []byte) bool {
	return b[0] == magicWord[0] && b[1] == magicWord[1] && b[2] == magicWord[2] && b[3] == magicWord[3]
}

var magicWord = [4]byte{0x66, 0x33, 0x93, 0x36}
