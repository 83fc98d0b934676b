// Package codecs wraps the compression libraries used to encode the payload
// of backup objects.
package codecs

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	pb "go.pagestream.dev/core/protocol"
)

// Decompressor reads decoded content. Its Close releases decoder resources
// only: the source Reader is left open.
type Decompressor io.ReadCloser

// Compressor writes encoded content. Its Close flushes buffered output and
// releases encoder resources, leaving the destination Writer open.
type Compressor io.WriteCloser

// NewCodecReader decodes |r|, which was encoded using |codec|.
func NewCodecReader(r io.Reader, codec pb.CompressionCodec) (Decompressor, error) {
	switch codec {
	case pb.CompressionCodec_NONE:
		return io.NopCloser(r), nil
	case pb.CompressionCodec_GZIP:
		return gzip.NewReader(r)
	case pb.CompressionCodec_SNAPPY:
		return io.NopCloser(snappy.NewReader(r)), nil
	case pb.CompressionCodec_ZSTANDARD:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("codec %s is not supported", codec)
	}
}

// NewCodecWriter encodes into |w| using |codec|.
func NewCodecWriter(w io.Writer, codec pb.CompressionCodec) (Compressor, error) {
	switch codec {
	case pb.CompressionCodec_NONE:
		return nopWriteCloser{w}, nil
	case pb.CompressionCodec_GZIP:
		return gzip.NewWriter(w), nil
	case pb.CompressionCodec_SNAPPY:
		return snappy.NewBufferedWriter(w), nil
	case pb.CompressionCodec_ZSTANDARD:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("codec %s is not supported", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Set by the build-dependent zstandard implementation.
var (
	zstdNewReader func(io.Reader) (io.ReadCloser, error)
	zstdNewWriter func(io.Writer) (io.WriteCloser, error)
)
