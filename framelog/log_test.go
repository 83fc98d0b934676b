package framelog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	pb "go.pagestream.dev/core/protocol"
)

func TestAppendVisibilityAndRead(t *testing.T) {
	var l = openTestLog(t, afero.NewMemMapFs(), testConfig())
	var w, err = l.Writer()
	require.NoError(t, err)

	// Frames of an open transaction are not visible.
	rng, err := w.Append(pages(1, 2, 3), false)
	require.NoError(t, err)
	require.Equal(t, Range{First: 1, Last: 3}, rng)
	require.Equal(t, uint64(0), l.Committed())
	require.Equal(t, 3, w.Pending())
	require.Empty(t, readAll(t, l, 1, 0))

	var changed = l.Changed()
	rng, err = w.Append(pages(4, 5), true)
	require.NoError(t, err)
	require.Equal(t, Range{First: 4, Last: 5}, rng)
	require.Equal(t, uint64(5), l.Committed())
	require.Equal(t, 0, w.Pending())
	<-changed // Closed by the commit.

	var frames = readAll(t, l, 1, 0)
	require.Len(t, frames, 5)
	for i, f := range frames {
		require.Equal(t, uint64(i+1), f.Sequence)
		require.Equal(t, uint32(i+1), f.PageID)
		require.Equal(t, i == 4, f.Commit)
		require.NoError(t, f.Verify())
	}
	require.Len(t, readAll(t, l, 2, 2), 2)
	require.Len(t, readAll(t, l, 6, 0), 0)

	_, err = l.Read(7, 0)
	require.True(t, errors.Is(err, pb.ErrNotFound))

	// Page images of the wrong size are rejected.
	_, err = w.Append([]Page{{ID: 1, Image: []byte("short")}}, true)
	require.EqualError(t, err, "Pages[0]: invalid page image length (5; expected 16)")
	_, err = w.Append(nil, true)
	require.EqualError(t, err, "expected at least one page")
}

func TestWriterIsExclusive(t *testing.T) {
	var l = openTestLog(t, afero.NewMemMapFs(), testConfig())

	var w, err = l.Writer()
	require.NoError(t, err)
	_, err = l.Writer()
	require.Equal(t, ErrWriterTaken, err)

	_, err = w.Append(pages(1), false)
	require.NoError(t, err)
	require.NoError(t, w.Release()) // Rolls back the open transaction.

	_, err = w.Append(pages(2), true)
	require.EqualError(t, err, "writer was released")

	w, err = l.Writer()
	require.NoError(t, err)
	rng, err := w.Append(pages(2), true)
	require.NoError(t, err)
	require.Equal(t, Range{First: 1, Last: 1}, rng)
}

func TestRecoveryTruncatesUncommittedAndTornTails(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = testConfig()
	var l = openTestLog(t, fs, cfg)
	var w, _ = l.Writer()

	_, err := w.Append(pages(1, 2, 3), true)
	require.NoError(t, err)
	_, err = w.Append(pages(4, 5), false) // Never committed.
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Also append a torn frame header.
	var name = path.Join(cfg.Directory, segmentName(1))
	f, err := fs.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x66, 0x33, 0x93})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openTestLog(t, fs, cfg)
	require.Equal(t, uint64(1), l.Earliest())
	require.Equal(t, uint64(3), l.Committed())

	info, err := fs.Stat(name)
	require.NoError(t, err)
	require.Equal(t, int64(3*framedLen), info.Size())

	w, _ = l.Writer()
	rng, err := w.Append(pages(9), true)
	require.NoError(t, err)
	require.Equal(t, Range{First: 4, Last: 4}, rng)
	require.Len(t, readAll(t, l, 1, 0), 4)
}

func TestFailedAppendRollsBackTransaction(t *testing.T) {
	var fs = &faultyFs{Fs: afero.NewMemMapFs()}
	var l = openTestLog(t, fs, testConfig())
	var w, _ = l.Writer()

	_, err := w.Append(pages(1, 2), true)
	require.NoError(t, err)
	_, err = w.Append(pages(3), false)
	require.NoError(t, err)

	fs.syncFailures.Store(1)
	_, err = w.Append(pages(4), true)
	require.True(t, errors.Is(err, pb.ErrIO))
	require.Contains(t, err.Error(), "injected sync failure")

	// Neither frame of the failed transaction is visible, and the
	// next transaction continues from the committed head.
	require.Equal(t, uint64(2), l.Committed())
	require.Equal(t, 0, w.Pending())

	rng, err := w.Append(pages(5), true)
	require.NoError(t, err)
	require.Equal(t, Range{First: 3, Last: 3}, rng)

	var frames = readAll(t, l, 1, 0)
	require.Len(t, frames, 3)
	require.Equal(t, uint32(5), frames[2].PageID)
}

func TestSegmentRollAndShippedRetention(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = testConfig()
	cfg.SegmentBytes = 2 * framedLen // Roll every two frames.
	cfg.RequireShipped = true

	var l = openTestLog(t, fs, cfg)
	var w, _ = l.Writer()

	for i := uint32(1); i <= 10; i += 2 {
		_, err := w.Append(pages(i, i+1), true)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(10), l.Committed())
	require.Len(t, l.segments, 5)

	// Nothing is shipped, so nothing may be removed.
	earliest, err := l.RetainFrom(9)
	require.NoError(t, err)
	require.Equal(t, uint64(1), earliest)

	require.Error(t, l.MarkShipped(11))
	require.NoError(t, l.MarkShipped(6))
	require.NoError(t, l.MarkShipped(4)) // Ignored.
	require.Equal(t, uint64(6), l.ShippedSequence())

	// Clamped to shipped+1 = 7: segments [1,2], [3,4], [5,6] are removed.
	earliest, err = l.RetainFrom(9)
	require.NoError(t, err)
	require.Equal(t, uint64(7), earliest)

	_, err = l.Read(6, 0)
	require.True(t, errors.Is(err, pb.ErrNotFound))
	require.Len(t, readAll(t, l, 7, 0), 4)

	// The marker and retained window survive a re-open.
	require.NoError(t, l.Close())
	l = openTestLog(t, fs, cfg)
	require.Equal(t, uint64(7), l.Earliest())
	require.Equal(t, uint64(10), l.Committed())
	require.Equal(t, uint64(6), l.ShippedSequence())

	// The active segment is never removed.
	require.NoError(t, l.MarkShipped(10))
	earliest, err = l.RetainFrom(11)
	require.NoError(t, err)
	require.Equal(t, uint64(9), earliest)
}

func TestColdReadAcrossSegments(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = testConfig()
	cfg.SegmentBytes = 2 * framedLen

	var l = openTestLog(t, fs, cfg)
	var w, _ = l.Writer()
	for i := uint32(1); i <= 6; i += 2 {
		_, err := w.Append(pages(i, i+1), true)
		require.NoError(t, err)
	}
	require.Len(t, l.segments, 3)
	require.NoError(t, l.Close())

	// Re-opened logs begin with an empty cache, so every frame is read
	// from its segment file.
	for _, cacheFrames := range []int{0, 1} {
		cfg.CacheFrames = cacheFrames
		l = openTestLog(t, fs, cfg)

		var frames = readAll(t, l, 1, 0)
		require.Len(t, frames, 6)
		for i, f := range frames {
			require.Equal(t, uint64(i+1), f.Sequence)
		}
		// A bounded read which ends within the second segment.
		require.Len(t, readAll(t, l, 2, 2), 2)
		require.NoError(t, l.Close())
	}
}

func TestAwaitCommitted(t *testing.T) {
	var l = openTestLog(t, afero.NewMemMapFs(), testConfig())
	var w, _ = l.Writer()

	var done = make(chan uint64)
	go func() {
		var c, err = l.AwaitCommitted(context.Background(), 0)
		require.NoError(t, err)
		done <- c
	}()

	time.Sleep(time.Millisecond)
	_, _ = w.Append(pages(1), false)

	select {
	case <-done:
		t.Fatal("unexpected wake before commit")
	case <-time.After(10 * time.Millisecond):
	}
	_, _ = w.Append(pages(2), true)
	require.Equal(t, uint64(2), <-done)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err := l.AwaitCommitted(ctx, 2)
	require.Equal(t, context.Canceled, err)

	require.NoError(t, l.Close())
	_, err = l.AwaitCommitted(context.Background(), 2)
	require.Equal(t, ErrClosed, err)
}

func TestResetAfterRestore(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = testConfig()
	var l = openTestLog(t, fs, cfg)
	var w, _ = l.Writer()

	_, _ = w.Append(pages(1, 2), true)
	_, _ = w.Append(pages(3), false)
	require.EqualError(t, l.Reset(100), "cannot Reset with an uncommitted transaction")
	require.NoError(t, w.Rollback())

	require.NoError(t, l.Reset(100))
	var earliest, committed = l.Bounds()
	require.Equal(t, uint64(101), earliest)
	require.Equal(t, uint64(100), committed)
	require.Equal(t, uint64(100), l.ShippedSequence())

	_, err := l.Read(2, 0)
	require.True(t, errors.Is(err, pb.ErrNotFound))

	rng, err := w.Append(pages(7), true)
	require.NoError(t, err)
	require.Equal(t, Range{First: 101, Last: 101}, rng)

	require.NoError(t, l.Close())
	l = openTestLog(t, fs, cfg)
	earliest, committed = l.Bounds()
	require.Equal(t, uint64(101), earliest)
	require.Equal(t, uint64(101), committed)
}

func TestCorruptionIsDetected(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var cfg = testConfig()
	cfg.CacheFrames = 1
	cfg.SegmentBytes = framedLen

	var l = openTestLog(t, fs, cfg)
	var w, _ = l.Writer()
	_, _ = w.Append(pages(1), true)
	_, _ = w.Append(pages(2), true)

	// Flip a byte of the page image of frame 1.
	corrupt(t, fs, path.Join(cfg.Directory, segmentName(1)), pb.FrameHeaderLength+12)

	var it, err = l.Read(1, 0)
	require.NoError(t, err)
	_, err = it.Next()
	require.True(t, errors.Is(err, pb.ErrChecksumMismatch))
	require.NoError(t, it.Close())

	// A corrupt, non-final segment fails recovery.
	require.NoError(t, l.Close())
	_, err = Open(fs, cfg)
	require.True(t, errors.Is(err, pb.ErrIO))
}

func TestConfigValidation(t *testing.T) {
	var cfg = testConfig()
	require.NoError(t, cfg.Validate())

	cfg.Database = "bad/db"
	require.EqualError(t, cfg.Validate(), "Database: not a valid token (bad/db)")
	cfg = testConfig()
	cfg.Directory = ""
	require.EqualError(t, cfg.Validate(), "expected Directory")
	cfg = testConfig()
	cfg.SegmentBytes = 0
	require.EqualError(t, cfg.Validate(), "invalid SegmentBytes (0; expected > 0)")
}

const (
	testPageSize = 16
	framedLen    = pb.FrameHeaderLength + pb.FrameFixedSize + testPageSize
)

func testConfig() Config {
	return Config{
		Database:     "test-db",
		Directory:    "/data/test-db",
		PageSize:     testPageSize,
		SegmentBytes: 1 << 20,
	}
}

func openTestLog(t *testing.T, fs afero.Fs, cfg Config) *Log {
	var l, err = Open(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func pages(ids ...uint32) []Page {
	var out []Page
	for _, id := range ids {
		out = append(out, Page{ID: id, Image: bytes.Repeat([]byte{byte(id)}, testPageSize)})
	}
	return out
}

func readAll(t *testing.T, l *Log, from uint64, max int) []pb.Frame {
	var it, err = l.Read(from, max)
	require.NoError(t, err)
	defer it.Close()

	var out []pb.Frame
	for {
		var f, err = it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func corrupt(t *testing.T, fs afero.Fs, name string, offset int64) {
	var f, err = fs.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	var b = make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

// faultyFs injects Sync failures into files it opens.
type faultyFs struct {
	afero.Fs
	syncFailures atomic.Int32
}

func (fs *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	var f, err = fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: f, fs: fs}, nil
}

type faultyFile struct {
	afero.File
	fs *faultyFs
}

func (f *faultyFile) Sync() error {
	if f.fs.syncFailures.Add(-1) >= 0 {
		return errors.New("injected sync failure")
	}
	return f.File.Sync()
}
