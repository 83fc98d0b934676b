package stores

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.pagestream.dev/core/protocol"
)

func TestGetCachesAndChecksHealth(t *testing.T) {
	RegisterMemoryProvider()

	var bs = pb.BackupStore("memory://stores-test-get/")
	var a1, err = Get(bs)
	require.NoError(t, err)
	a2, err := Get(bs)
	require.NoError(t, err)
	require.True(t, a1 == a2)
	require.Equal(t, "memory", a1.Provider())

	// The first health check runs promptly after construction.
	var ch, healthErr = a1.HealthStatus()
	if healthErr == ErrFirstHealthCheck {
		<-ch
		_, healthErr = a1.HealthStatus()
	}
	require.NoError(t, healthErr)

	require.True(t, Release(bs))
	require.False(t, Release(bs))
	_, healthErr = a1.HealthStatus()
	require.Equal(t, ErrLastHealthCheck, healthErr)

	_, err = Get("ftp://bucket/")
	require.EqualError(t, err, "invalid scheme (ftp)")
	_, err = Get("gs://unregistered-in-this-test/")
	require.EqualError(t, err, "unsupported backup store scheme: gs")
}

func TestActiveStoreInitErrorAndDelegation(t *testing.T) {
	var ctx = context.Background()
	var initErr = errors.New("init failed")
	var a = NewActiveStore("memory://x/", NewMemoryStore(mustURL("memory://x/")), initErr)

	var ch, err = a.HealthStatus()
	require.Equal(t, initErr, err)
	<-ch // Already closed.

	_, err = a.Exists(ctx, "p")
	require.Equal(t, initErr, err)
	_, err = a.Get(ctx, "p")
	require.Equal(t, initErr, err)
	require.Equal(t, initErr, a.Put(ctx, "p", strings.NewReader(""), 0, ""))
	require.Equal(t, initErr, a.Remove(ctx, "p"))
	require.Equal(t, initErr, a.List(ctx, "", nil))

	a = NewActiveStore("memory://y/", NewMemoryStore(mustURL("memory://y/")), nil)
	require.NoError(t, a.Put(ctx, "db/one", strings.NewReader("one"), 3, ""))
	require.NoError(t, a.Put(ctx, "db/two", strings.NewReader("two"), 3, ""))
	require.NoError(t, a.Put(ctx, "other/three", strings.NewReader("three"), 5, ""))

	var paths []string
	require.NoError(t, a.List(ctx, "db/", func(path string, _ time.Time) error {
		paths = append(paths, path)
		return nil
	}))
	require.ElementsMatch(t, []string{"one", "two"}, paths)

	ok, err := a.Exists(ctx, "db/one")
	require.NoError(t, err)
	require.True(t, ok)

	rc, err := a.Get(ctx, "db/two")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	require.Equal(t, "two", string(b))

	require.NoError(t, a.Remove(ctx, "db/two"))
	_, err = a.Get(ctx, "db/two")
	require.True(t, errors.Is(err, pb.ErrNotFound))

	signed, err := a.SignGet("db/one", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "memory://y/db/one", signed)
}

func TestHealthCheckFailures(t *testing.T) {
	var ctx = context.Background()
	var mem = NewMemoryStore(mustURL("memory://z/"))
	require.NoError(t, runCheck(ctx, mem))

	var cs = &CallbackStore{
		Fallback: mem,
		PutFunc: func(context.Context, string, io.ReaderAt, int64, string) error {
			return errors.New("denied")
		},
	}
	require.EqualError(t, runCheck(ctx, cs), "health check PUT failed: denied")

	cs = &CallbackStore{
		Fallback: mem,
		GetFunc: func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("garbage")), nil
		},
	}
	require.EqualError(t, runCheck(ctx, cs),
		`health check content mismatch: got "garbage", want "health-check\n"`)

	cs = &CallbackStore{
		Fallback: mem,
		ListFunc: func(context.Context, string, func(string, time.Time) error) error { return nil },
	}
	require.EqualError(t, runCheck(ctx, cs), "health check LIST did not find test file")
}

func TestHealthCheckIntervals(t *testing.T) {
	var within = func(d, expect time.Duration) {
		require.GreaterOrEqual(t, d, expect*8/10)
		require.LessOrEqual(t, d, expect*12/10)
	}
	within(healthCheckInterval(nil, 3), 30*time.Minute)
	within(healthCheckInterval(errors.New("x"), 0), 0)
	within(healthCheckInterval(errors.New("x"), 1), time.Second/10)
	within(healthCheckInterval(errors.New("x"), 3), time.Second)
	within(healthCheckInterval(errors.New("x"), 5), 10*time.Second)
	within(healthCheckInterval(errors.New("x"), 50), 100*time.Second)
}

func mustURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
