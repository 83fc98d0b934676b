// Package fs stores backups in a local directory, typically an NFS or other
// shared mount.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/common"
)

var (
	// FileSystemStoreRoot is the directory beneath which file:// store paths
	// are resolved. Programs must set it before building stores.
	FileSystemStoreRoot = "/dev/null/must/configure/file/store/root"
	// FileSystem holding FileSystemStoreRoot.
	FileSystem afero.Fs = afero.NewOsFs()
)

// StoreQueryArgs are query arguments of a file:///prefix/ URL.
type StoreQueryArgs struct {
	common.RewriterConfig
}

type store struct {
	args   StoreQueryArgs
	prefix string
}

// New builds a Store of a file:// URL.
func New(ep *url.URL) (stores.Store, error) {
	var s = &store{prefix: ep.Path}
	return s, common.ParseStoreArgs(ep, &s.args)
}

// root is FileSystem confined to FileSystemStoreRoot.
func root() afero.Fs { return afero.NewBasePathFs(FileSystem, FileSystemStoreRoot) }

func (s *store) Provider() string { return "fs" }

func (s *store) SignGet(p string, _ time.Duration) (string, error) {
	return "file://" + s.name(p), nil
}

func (s *store) Exists(_ context.Context, p string) (bool, error) {
	var _, err = root().Stat(s.name(p))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, iofs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *store) Get(_ context.Context, p string) (io.ReadCloser, error) {
	var f, err = root().Open(s.name(p))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", pb.ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// Put stages content in a ".partial-" sibling which is synced and then
// renamed into place. Readers and List never observe a partial object.
func (s *store) Put(_ context.Context, p string, content io.ReaderAt, contentLength int64, _ string) error {
	var fs = root()

	// The store's own directory must exist: a missing mount shouldn't
	// silently fill the root file system instead.
	if _, err := fs.Stat(s.prefix); err != nil {
		return fmt.Errorf("%s %s: %w", invalidFileStoreDirectory, s.prefix, err)
	}
	var name = s.name(p)
	var dir = path.Dir(name)

	if err := fs.MkdirAll(dir, 0750); err != nil {
		return err
	}
	var f, err = afero.TempFile(fs, dir, partialPrefix+path.Base(name))
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.Remove(f.Name()); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			log.WithFields(log.Fields{"name": f.Name(), "err": err}).Warn("failed to remove partial file")
		}
	}()

	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return fs.Rename(f.Name(), name)
}

func (s *store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var fs = root()
	var dir = s.name(prefix)

	if _, err := fs.Stat(dir); errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return afero.Walk(fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if info.IsDir() || strings.HasPrefix(info.Name(), partialPrefix) {
			return nil
		}
		var rel = strings.TrimPrefix(strings.TrimPrefix(name, dir), "/")
		return callback(rel, info.ModTime())
	})
}

func (s *store) Remove(_ context.Context, p string) error {
	return root().Remove(s.name(p))
}

func (s *store) IsAuthError(err error) bool {
	return err != nil && (errors.Is(err, os.ErrPermission) ||
		strings.Contains(err.Error(), invalidFileStoreDirectory))
}

// name of |p| relative to FileSystemStoreRoot.
func (s *store) name(p string) string { return s.args.RewritePath(s.prefix, p) }

const (
	invalidFileStoreDirectory = "invalid file store directory"
	partialPrefix             = ".partial-"
)
