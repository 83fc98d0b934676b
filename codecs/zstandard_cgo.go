//go:build cgo

package codecs

import (
	"io"

	"github.com/DataDog/zstd"
)

// Backup batches are written once and read rarely, so favor ratio a little
// over the library default.
const zstdLevel = 6

func init() {
	zstdNewReader = func(r io.Reader) (io.ReadCloser, error) { return zstd.NewReader(r), nil }
	zstdNewWriter = func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriterLevel(w, zstdLevel), nil }
}
