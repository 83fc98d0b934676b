package stores

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	pb "go.pagestream.dev/core/protocol"
)

// ActiveStore is a Store in use by this process. It instruments each
// operation, and tracks the outcome of periodic health checks.
type ActiveStore struct {
	Key   pb.BackupStore
	Store Store

	// initErr is non-nil if the Store couldn't be built, and fails every operation.
	initErr error

	mu        sync.Mutex
	healthErr error
	checked   chan struct{} // Closed and replaced as each check completes.
}

var (
	// ErrFirstHealthCheck is the status of an ActiveStore not yet checked.
	ErrFirstHealthCheck = errors.New("first health check hasn't completed yet")
	// ErrLastHealthCheck is the final status of a released ActiveStore.
	ErrLastHealthCheck = errors.New("health checks have stopped")
)

// NewActiveStore wraps |store|, or records |initErr| as the permanent
// status of a store which failed to build. Get is the usual way to obtain
// an ActiveStore, and tests use NewActiveStore to build fixtures.
func NewActiveStore(bs pb.BackupStore, store Store, initErr error) *ActiveStore {
	var s = &ActiveStore{
		Key:       bs,
		Store:     store,
		initErr:   initErr,
		healthErr: ErrFirstHealthCheck,
		checked:   make(chan struct{}),
	}
	if initErr != nil {
		s.healthErr = initErr
		close(s.checked)
	}
	return s
}

// HealthStatus returns the result of the latest health check, and a channel
// which closes when the next one completes.
func (s *ActiveStore) HealthStatus() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checked, s.healthErr
}

// UpdateHealth records the result of a health check. Once ErrLastHealthCheck
// has been recorded, further updates are ignored.
func (s *ActiveStore) UpdateHealth(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.healthErr == ErrLastHealthCheck {
		return
	}
	s.healthErr = err

	switch {
	case err == nil:
		storeHealthCheckTotal.WithLabelValues(string(s.Key), "ok").Inc()
	case err != ErrLastHealthCheck:
		storeHealthCheckTotal.WithLabelValues(string(s.Key), "error").Inc()
	}
	close(s.checked)
	s.checked = make(chan struct{})
}

func (s *ActiveStore) Provider() string { return s.Store.Provider() }

func (s *ActiveStore) SignGet(path string, d time.Duration) (url string, err error) {
	err = s.do("signget", func() error {
		url, err = s.Store.SignGet(path, d)
		return err
	})
	return
}

func (s *ActiveStore) Exists(ctx context.Context, path string) (exists bool, err error) {
	err = s.do("exists", func() error {
		exists, err = s.Store.Exists(ctx, path)
		return err
	})
	return
}

func (s *ActiveStore) Get(ctx context.Context, path string) (rc io.ReadCloser, err error) {
	err = s.do("get", func() error {
		rc, err = s.Store.Get(ctx, path)
		return err
	})
	return
}

func (s *ActiveStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var err = s.do("put", func() error {
		return s.Store.Put(ctx, path, content, contentLength, contentEncoding)
	})
	if err == nil && contentLength > 0 {
		var enc = contentEncoding
		if enc == "" {
			enc = "none"
		}
		storePutBytesTotal.WithLabelValues(string(s.Key), enc).Add(float64(contentLength))
	}
	return err
}

func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var n int
	var err = s.do("list", func() error {
		return s.Store.List(ctx, prefix, func(path string, modTime time.Time) error {
			n++
			return callback(path, modTime)
		})
	})
	if s.initErr == nil {
		storeListItems.WithLabelValues(string(s.Key)).Observe(float64(n))
	}
	return err
}

func (s *ActiveStore) Remove(ctx context.Context, path string) error {
	return s.do("remove", func() error { return s.Store.Remove(ctx, path) })
}

func (s *ActiveStore) IsAuthError(err error) bool {
	return s.Store != nil && s.Store.IsAuthError(err)
}

// do runs store operation |op|, recording its outcome and latency.
func (s *ActiveStore) do(op string, fn func() error) error {
	if s.initErr != nil {
		return s.initErr
	}
	var started = time.Now()
	var err = fn()

	var status = "success"
	if err != nil {
		status = "error"
	}
	storeOperationTotal.WithLabelValues(string(s.Key), op, status).Inc()
	storeOperationDuration.WithLabelValues(string(s.Key), op, status).Observe(time.Since(started).Seconds())
	return err
}
