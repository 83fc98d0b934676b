package protocol

import (
	"bytes"
	"errors"
	"io"

	gc "gopkg.in/check.v1"
)

type FrameSuite struct{}

func (s *FrameSuite) TestChecksumCoversAllFields(c *gc.C) {
	var f = Frame{Sequence: 42, PageID: 7, PageImage: []byte("page-image")}
	f.Seal()
	c.Check(f.Verify(), gc.IsNil)

	var mutations = []func(*Frame){
		func(f *Frame) { f.Sequence++ },
		func(f *Frame) { f.PageID++ },
		func(f *Frame) { f.PageImage = []byte("page-imagf") },
	}
	for _, mut := range mutations {
		var cp = f
		cp.PageImage = append([]byte(nil), f.PageImage...)
		mut(&cp)

		var err = cp.Verify()
		c.Check(errors.Is(err, ErrChecksumMismatch), gc.Equals, true)
	}
	// The commit flag is not part of the checksum.
	var cp = f
	cp.Commit = true
	c.Check(cp.Verify(), gc.IsNil)
}

func (s *FrameSuite) TestValidationCases(c *gc.C) {
	var f = Frame{Sequence: 0, PageID: 1, PageImage: []byte("x")}
	c.Check(f.Validate(), gc.ErrorMatches, `invalid Sequence \(0; expected > 0\)`)
	f.Sequence = 1
	c.Check(f.Validate(), gc.IsNil)
	f.PageImage = nil
	c.Check(f.Validate(), gc.ErrorMatches, `expected PageImage`)
}

func (s *FrameSuite) TestFixedLayout(c *gc.C) {
	var f = Frame{Sequence: 0x0102, PageID: 0x03, PageImage: []byte{0xaa, 0xbb}, Commit: true}
	f.Seal()

	var b = make([]byte, f.ProtoSize())
	var n, err = f.MarshalTo(b)
	c.Check(err, gc.IsNil)
	c.Check(n, gc.Equals, FrameFixedSize+2)

	c.Check(b[0:8], gc.DeepEquals, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0})
	c.Check(b[8:12], gc.DeepEquals, []byte{0x03, 0, 0, 0})
	c.Check(b[12:14], gc.DeepEquals, []byte{0xaa, 0xbb})
	c.Check(b[22], gc.Equals, byte(1))

	var out Frame
	c.Check(out.Unmarshal(b), gc.IsNil)
	c.Check(out, gc.DeepEquals, f)

	_, err = f.MarshalTo(b[:5])
	c.Check(err, gc.ErrorMatches, `buffer too small \(5; expected 23\)`)

	b[22] = 7
	c.Check(out.Unmarshal(b), gc.ErrorMatches, `invalid commit flag \(7\)`)
	c.Check(out.Unmarshal(b[:FrameFixedSize]), gc.ErrorMatches, `frame payload too short \(21 bytes\)`)
}

func (s *FrameSuite) TestFramingRoundTripAndTornTail(c *gc.C) {
	var buf []byte
	for i := uint64(1); i <= 3; i++ {
		var f = Frame{Sequence: i, PageID: uint32(i), PageImage: bytes.Repeat([]byte{byte(i)}, 16), Commit: i == 3}
		f.Seal()
		buf = AppendFramed(buf, &f)
	}
	var frameLen = int64(FrameHeaderLength + FrameFixedSize + 16)
	c.Check(int64(len(buf)), gc.Equals, 3*frameLen)

	// Cut the final frame short.
	var fr = NewFrameReader(bytes.NewReader(buf[:len(buf)-3]))

	for i := uint64(1); i <= 2; i++ {
		var f, err = fr.Next()
		c.Check(err, gc.IsNil)
		c.Check(f.Sequence, gc.Equals, i)
		c.Check(f.Verify(), gc.IsNil)
	}
	var _, err = fr.Next()
	c.Check(err, gc.Equals, io.ErrUnexpectedEOF)
	c.Check(fr.Offset, gc.Equals, 2*frameLen)

	// A full read ends with a clean EOF.
	fr = NewFrameReader(bytes.NewReader(buf))
	for i := 0; i != 3; i++ {
		_, err = fr.Next()
		c.Check(err, gc.IsNil)
	}
	_, err = fr.Next()
	c.Check(err, gc.Equals, io.EOF)

	// Corrupt the magic word of the second frame.
	buf[frameLen] ^= 0xff
	fr = NewFrameReader(bytes.NewReader(buf))
	_, err = fr.Next()
	c.Check(err, gc.IsNil)
	_, err = fr.Next()
	c.Check(errors.Is(err, ErrDesyncDetected), gc.Equals, true)
}

var _ = gc.Suite(&FrameSuite{})
