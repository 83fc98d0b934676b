package protocol

import (
	gc "gopkg.in/check.v1"
)

type ReplicationSuite struct{}

func (s *ReplicationSuite) TestRequestValidationCases(c *gc.C) {
	var req = StreamRequest{Hello: &Hello{Database: "db", RequestedSequence: 0}}
	c.Check(req.Validate(), gc.ErrorMatches, `Hello: invalid RequestedSequence \(0; expected > 0\)`)

	req.Hello.RequestedSequence = 1
	req.Hello.Database = "bad/db"
	c.Check(req.Validate(), gc.ErrorMatches, `Hello.Database: not a valid token \(bad/db\)`)

	req.Hello.Database = "db"
	req.AppliedSequence = 3
	c.Check(req.Validate(), gc.ErrorMatches, `unexpected AppliedSequence with Hello`)

	req.Hello = nil
	c.Check(req.Validate(), gc.IsNil)
}

func (s *ReplicationSuite) TestResponseValidationCases(c *gc.C) {
	var hdr = &Header{Database: "db", Generation: "gen", EarliestRetained: 1, Committed: 0}
	var resp = StreamResponse{Header: hdr}
	c.Check(resp.Validate(), gc.IsNil)

	hdr.EarliestRetained = 5
	hdr.Committed = 2
	c.Check(resp.Validate(), gc.ErrorMatches, `Header: invalid Committed \(2; expected >= EarliestRetained-1 4\)`)
	hdr.Committed = 10

	resp.Status = 42
	c.Check(resp.Validate(), gc.ErrorMatches, `Status: invalid status \(Status\(42\)\)`)

	resp = StreamResponse{Frame: &Frame{Sequence: 5, PageImage: []byte("x")}, Committed: 4}
	c.Check(resp.Validate(), gc.ErrorMatches, `invalid Committed \(4; expected >= Frame.Sequence 5\)`)
	resp.Status = Status_CLOSED
	c.Check(resp.Validate(), gc.ErrorMatches, `unexpected Frame with Status CLOSED`)
}

func (s *ReplicationSuite) TestEnvelopeEncoding(c *gc.C) {
	var frame = &Frame{Sequence: 12, PageID: 3, PageImage: []byte("image"), Commit: true}
	frame.Seal()

	var resp = StreamResponse{
		Header:    &Header{Database: "db", Generation: "gen", EarliestRetained: 2, Committed: 12},
		Frame:     frame,
		Committed: 12,
	}
	var b, err = grpcCodec{}.Marshal(&resp)
	c.Check(err, gc.IsNil)

	var out StreamResponse
	c.Check(grpcCodec{}.Unmarshal(b, &out), gc.IsNil)
	c.Check(out, gc.DeepEquals, resp)

	var req = StreamRequest{Hello: &Hello{Database: "db", RequestedSequence: 51}}
	b, err = req.Marshal()
	c.Check(err, gc.IsNil)

	var outReq StreamRequest
	c.Check(outReq.Unmarshal(b), gc.IsNil)
	c.Check(outReq, gc.DeepEquals, req)

	// Unknown fields are skipped.
	b = appendVarint(b, 99, 1234)
	c.Check(outReq.Unmarshal(b), gc.IsNil)
	c.Check(outReq, gc.DeepEquals, req)

	// Truncated input errors.
	c.Check(outReq.Unmarshal(b[:len(b)-1]), gc.NotNil)

	_, err = grpcCodec{}.Marshal("not a message")
	c.Check(err, gc.ErrorMatches, `string is not a pagestream message`)
}

var _ = gc.Suite(&ReplicationSuite{})
