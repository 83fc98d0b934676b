package protocol

import (
	"fmt"
	"strings"
)

// CompressionCodec defines the codec used to compress the payload of a
// backup object. Its value is written into each object header, so values
// must never be renumbered.
type CompressionCodec int32

const (
	CompressionCodec_INVALID   CompressionCodec = 0
	CompressionCodec_NONE      CompressionCodec = 1
	CompressionCodec_GZIP      CompressionCodec = 2
	CompressionCodec_ZSTANDARD CompressionCodec = 3
	CompressionCodec_SNAPPY    CompressionCodec = 4
)

var CompressionCodec_name = map[int32]string{
	0: "INVALID",
	1: "NONE",
	2: "GZIP",
	3: "ZSTANDARD",
	4: "SNAPPY",
}

var CompressionCodec_value = map[string]int32{
	"INVALID":   0,
	"NONE":      1,
	"GZIP":      2,
	"ZSTANDARD": 3,
	"SNAPPY":    4,
}

func (m CompressionCodec) String() string {
	if s, ok := CompressionCodec_name[int32(m)]; ok {
		return s
	}
	return fmt.Sprintf("CompressionCodec(%d)", int32(m))
}

// Validate returns an error if the CompressionCodec is not well-formed.
func (m CompressionCodec) Validate() error {
	if _, ok := CompressionCodec_name[int32(m)]; !ok || m == CompressionCodec_INVALID {
		return NewValidationError("invalid value (%s)", m)
	}
	return nil
}

// ParseCompressionCodec parses a case-insensitive codec name, as used in
// configuration. Eg "zstandard" or "GZIP".
func ParseCompressionCodec(s string) (CompressionCodec, error) {
	if v, ok := CompressionCodec_value[strings.ToUpper(s)]; ok && v != 0 {
		return CompressionCodec(v), nil
	}
	return CompressionCodec_INVALID, NewValidationError("unrecognized compression codec: %s", s)
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting codec names.
func (m *CompressionCodec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	var cc, err = ParseCompressionCodec(s)
	*m = cc
	return err
}

// MarshalYAML implements yaml.Marshaler.
func (m CompressionCodec) MarshalYAML() (interface{}, error) { return m.String(), nil }
