package stores

import (
	"context"
	"io"
	"time"
)

// CallbackStore is a Store of tests. Each operation calls its *Func field
// if set, and otherwise passes through to Fallback. With neither set, an
// operation succeeds with zero values.
type CallbackStore struct {
	Fallback Store

	SignGetFunc     func(path string, d time.Duration) (string, error)
	GetFunc         func(ctx context.Context, path string) (io.ReadCloser, error)
	ExistsFunc      func(ctx context.Context, path string) (bool, error)
	PutFunc         func(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	ListFunc        func(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error
	RemoveFunc      func(ctx context.Context, path string) error
	IsAuthErrorFunc func(error) bool
}

func (c *CallbackStore) Provider() string { return "callback" }

func (c *CallbackStore) SignGet(path string, d time.Duration) (string, error) {
	if c.SignGetFunc != nil {
		return c.SignGetFunc(path, d)
	}
	return c.fallback().SignGet(path, d)
}

func (c *CallbackStore) Exists(ctx context.Context, path string) (bool, error) {
	if c.ExistsFunc != nil {
		return c.ExistsFunc(ctx, path)
	}
	return c.fallback().Exists(ctx, path)
}

func (c *CallbackStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if c.GetFunc != nil {
		return c.GetFunc(ctx, path)
	}
	return c.fallback().Get(ctx, path)
}

func (c *CallbackStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	if c.PutFunc != nil {
		return c.PutFunc(ctx, path, content, contentLength, contentEncoding)
	}
	return c.fallback().Put(ctx, path, content, contentLength, contentEncoding)
}

func (c *CallbackStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	if c.ListFunc != nil {
		return c.ListFunc(ctx, prefix, callback)
	}
	return c.fallback().List(ctx, prefix, callback)
}

func (c *CallbackStore) Remove(ctx context.Context, path string) error {
	if c.RemoveFunc != nil {
		return c.RemoveFunc(ctx, path)
	}
	return c.fallback().Remove(ctx, path)
}

func (c *CallbackStore) IsAuthError(err error) bool {
	if c.IsAuthErrorFunc != nil {
		return c.IsAuthErrorFunc(err)
	}
	return c.fallback().IsAuthError(err)
}

func (c *CallbackStore) fallback() Store {
	if c.Fallback != nil {
		return c.Fallback
	}
	return nopStore{}
}

// nopStore succeeds at every operation without doing anything.
type nopStore struct{}

func (nopStore) Provider() string                                  { return "nop" }
func (nopStore) SignGet(string, time.Duration) (string, error)     { return "", nil }
func (nopStore) Exists(context.Context, string) (bool, error)      { return false, nil }
func (nopStore) Get(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (nopStore) Remove(context.Context, string) error              { return nil }
func (nopStore) IsAuthError(error) bool                            { return false }

func (nopStore) Put(context.Context, string, io.ReaderAt, int64, string) error { return nil }

func (nopStore) List(context.Context, string, func(string, time.Time) error) error { return nil }
