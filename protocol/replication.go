package protocol

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Status is a response status code of the Replication API.
type Status int32

const (
	// OK indicates the stream is healthy and frames follow.
	Status_OK Status = 0
	// TOO_FAR_BEHIND indicates the requested sequence predates the retained
	// window of the primary. The replica must restore from backup.
	Status_TOO_FAR_BEHIND Status = 1
	// SEQUENCE_AHEAD indicates the requested sequence is beyond the
	// committed head of the primary plus one.
	Status_SEQUENCE_AHEAD Status = 2
	// CLOSED indicates the primary closed the stream, either because it's
	// draining for shutdown or because the replica lagged beyond the
	// configured ceiling. The replica should reconnect.
	Status_CLOSED Status = 3
	// DATABASE_NOT_FOUND indicates the primary doesn't serve the database.
	Status_DATABASE_NOT_FOUND Status = 4
)

var Status_name = map[int32]string{
	0: "OK",
	1: "TOO_FAR_BEHIND",
	2: "SEQUENCE_AHEAD",
	3: "CLOSED",
	4: "DATABASE_NOT_FOUND",
}

func (x Status) String() string {
	if s, ok := Status_name[int32(x)]; ok {
		return s
	}
	return fmt.Sprintf("Status(%d)", int32(x))
}

// Validate returns an error if the Status is not well-formed.
func (x Status) Validate() error {
	if _, ok := Status_name[int32(x)]; !ok {
		return NewValidationError("invalid status (%s)", x)
	}
	return nil
}

// Hello is the first message sent by a replica on a new stream.
type Hello struct {
	// Database to be replicated.
	Database DatabaseID
	// RequestedSequence is the first sequence the replica requires,
	// which is its applied watermark plus one.
	RequestedSequence uint64
}

// Validate returns an error if the Hello is not well-formed.
func (m *Hello) Validate() error {
	if err := m.Database.Validate(); err != nil {
		return ExtendContext(err, "Database")
	} else if m.RequestedSequence == 0 {
		return NewValidationError("invalid RequestedSequence (0; expected > 0)")
	}
	return nil
}

// StreamRequest is a message sent from a replica to a primary. The first
// StreamRequest of a stream carries a Hello. Subsequent requests acknowledge
// applied sequences.
type StreamRequest struct {
	Hello *Hello
	// AppliedSequence acknowledges that the replica durably applied all
	// frames through this sequence.
	AppliedSequence uint64
}

// Validate returns an error if the StreamRequest is not well-formed.
func (m *StreamRequest) Validate() error {
	if m.Hello != nil {
		if err := m.Hello.Validate(); err != nil {
			return ExtendContext(err, "Hello")
		} else if m.AppliedSequence != 0 {
			return NewValidationError("unexpected AppliedSequence with Hello")
		}
	}
	return nil
}

// Header describes the replicated log of a primary.
type Header struct {
	Database DatabaseID `json:"database_id"`
	// Generation is minted each time the primary opens its log.
	Generation string `json:"generation_id"`
	// EarliestRetained is the first sequence retained by the primary.
	EarliestRetained uint64 `json:"earliest_retained"`
	// Committed is the sequence of the primary's committed head.
	Committed uint64 `json:"committed"`
}

// Validate returns an error if the Header is not well-formed.
func (m *Header) Validate() error {
	if err := m.Database.Validate(); err != nil {
		return ExtendContext(err, "Database")
	} else if m.Generation == "" {
		return NewValidationError("expected Generation")
	} else if m.EarliestRetained == 0 {
		return NewValidationError("invalid EarliestRetained (0; expected > 0)")
	} else if m.Committed+1 < m.EarliestRetained {
		return NewValidationError("invalid Committed (%d; expected >= EarliestRetained-1 %d)",
			m.Committed, m.EarliestRetained-1)
	}
	return nil
}

// StreamResponse is a message sent from a primary to a replica. The first
// StreamResponse of a stream carries a Status, and if OK, a Header.
// Subsequent responses carry Frames, or a terminal non-OK Status.
type StreamResponse struct {
	Status Status
	Header *Header
	Frame  *Frame
	// Committed head of the primary at the time the response was sent.
	Committed uint64
}

// Validate returns an error if the StreamResponse is not well-formed.
func (m *StreamResponse) Validate() error {
	if err := m.Status.Validate(); err != nil {
		return ExtendContext(err, "Status")
	} else if m.Header != nil {
		if err = m.Header.Validate(); err != nil {
			return ExtendContext(err, "Header")
		}
	}
	if m.Frame != nil {
		if m.Status != Status_OK {
			return NewValidationError("unexpected Frame with Status %s", m.Status)
		} else if err := m.Frame.Validate(); err != nil {
			return ExtendContext(err, "Frame")
		} else if m.Committed < m.Frame.Sequence {
			return NewValidationError("invalid Committed (%d; expected >= Frame.Sequence %d)",
				m.Committed, m.Frame.Sequence)
		}
	}
	return nil
}

// Marshal encodes the Hello using protobuf wire encoding.
func (m *Hello) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, string(m.Database))
	b = appendVarint(b, 2, m.RequestedSequence)
	return b, nil
}

// Unmarshal decodes the Hello from protobuf wire encoding.
func (m *Hello) Unmarshal(b []byte) error {
	*m = Hello{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			m.Database = DatabaseID(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.RequestedSequence = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Marshal encodes the StreamRequest using protobuf wire encoding.
func (m *StreamRequest) Marshal() ([]byte, error) {
	var b []byte
	if m.Hello != nil {
		var hello, _ = m.Hello.Marshal()
		b = appendMessage(b, 1, hello)
	}
	b = appendVarint(b, 2, m.AppliedSequence)
	return b, nil
}

// Unmarshal decodes the StreamRequest from protobuf wire encoding.
func (m *StreamRequest) Unmarshal(b []byte) error {
	*m = StreamRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				m.Hello = new(Hello)
				if err := m.Hello.Unmarshal(v); err != nil {
					return 0, errors.WithMessage(err, "Hello")
				}
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.AppliedSequence = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Marshal encodes the Header using protobuf wire encoding.
func (m *Header) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, string(m.Database))
	b = appendString(b, 2, m.Generation)
	b = appendVarint(b, 3, m.EarliestRetained)
	b = appendVarint(b, 4, m.Committed)
	return b, nil
}

// Unmarshal decodes the Header from protobuf wire encoding.
func (m *Header) Unmarshal(b []byte) error {
	*m = Header{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			m.Database = DatabaseID(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			m.Generation = string(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.EarliestRetained = v
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.Committed = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Marshal encodes the StreamResponse using protobuf wire encoding. A Frame
// is carried as a bytes field holding its fixed-layout encoding.
func (m *StreamResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Status))

	if m.Header != nil {
		var hdr, _ = m.Header.Marshal()
		b = appendMessage(b, 2, hdr)
	}
	if m.Frame != nil {
		var frame = make([]byte, m.Frame.ProtoSize())
		if _, err := m.Frame.MarshalTo(frame); err != nil {
			return nil, err
		}
		b = appendMessage(b, 3, frame)
	}
	b = appendVarint(b, 4, m.Committed)
	return b, nil
}

// Unmarshal decodes the StreamResponse from protobuf wire encoding.
func (m *StreamResponse) Unmarshal(b []byte) error {
	*m = StreamResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.Status = Status(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				m.Header = new(Header)
				if err := m.Header.Unmarshal(v); err != nil {
					return 0, errors.WithMessage(err, "Header")
				}
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				m.Frame = new(Frame)
				if err := m.Frame.Unmarshal(v); err != nil {
					return 0, errors.WithMessage(err, "Frame")
				}
			}
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(b)
			m.Committed = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b // Zero values are omitted, as with proto3 scalars.
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// decodeFields walks the protobuf fields of |b|, invoking |fn| with the
// remainder of |b| following each field tag. |fn| returns the number of
// bytes consumed by the field value, or a negative protowire error code.
func decodeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) != 0 {
		var num, typ, n = protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if n, err := fn(num, typ, b); err != nil {
			return err
		} else if n < 0 {
			return errors.WithMessagef(protowire.ParseError(n), "field %d", num)
		} else {
			b = b[n:]
		}
	}
	return nil
}
