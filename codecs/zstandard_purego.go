//go:build !cgo

package codecs

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	zstdNewReader = func(r io.Reader) (io.ReadCloser, error) {
		var d, err = zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}
	zstdNewWriter = func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	}
}
