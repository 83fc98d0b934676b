package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pagestream.dev/core/etcdtest"
	pb "go.pagestream.dev/core/protocol"
)

func TestStaticResolver(t *testing.T) {
	var ep, err = Static("http://primary:8080").Primary(context.Background())
	require.NoError(t, err)
	require.Equal(t, pb.Endpoint("http://primary:8080"), ep)

	_, err = Static("").Primary(context.Background())
	require.ErrorIs(t, err, ErrNoPrimary)

	_, err = Static("primary:8080").Primary(context.Background())
	require.Error(t, err)
}

func TestPrimaryKey(t *testing.T) {
	require.Equal(t, "/pagestream/databases/db-1/primary",
		PrimaryKey("/pagestream/databases", "db-1"))
	require.Panics(t, func() { PrimaryKey("/pagestream/databases/", "db-1") })
}

func TestEtcdResolverFollowsKey(t *testing.T) {
	var client = etcdtest.TestClient(t)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var r = NewEtcd(client, "/pagestream", "db")
	require.Equal(t, "/pagestream/db/primary", r.Key)

	// Primary blocks until loaded.
	var shortCtx, shortCancel = context.WithTimeout(ctx, 10*time.Millisecond)
	var _, err = r.Primary(shortCtx)
	shortCancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var watchErr = make(chan error, 1)
	go func() { watchErr <- r.Watch(ctx) }()

	// No key yet.
	require.Eventually(t, func() bool {
		var _, err = r.Primary(ctx)
		return err != nil && err.Error() == "key /pagestream/db/primary: no primary is known"
	}, 5*time.Second, 10*time.Millisecond)

	var updated = r.Updated()
	_, err = client.Put(ctx, r.Key, "http://one:8080")
	require.NoError(t, err)
	<-updated

	ep, err := r.Primary(ctx)
	require.NoError(t, err)
	require.Equal(t, pb.Endpoint("http://one:8080"), ep)

	updated = r.Updated()
	_, err = client.Put(ctx, r.Key, "http://two:8080")
	require.NoError(t, err)
	<-updated

	ep, err = r.Primary(ctx)
	require.NoError(t, err)
	require.Equal(t, pb.Endpoint("http://two:8080"), ep)

	// An invalid value is treated as no primary.
	updated = r.Updated()
	_, err = client.Put(ctx, r.Key, "not a url")
	require.NoError(t, err)
	<-updated

	_, err = r.Primary(ctx)
	require.ErrorIs(t, err, ErrNoPrimary)

	// As is a deletion.
	_, err = client.Put(ctx, r.Key, "http://three:8080")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		var ep, _ = r.Primary(ctx)
		return ep == "http://three:8080"
	}, 5*time.Second, 10*time.Millisecond)

	updated = r.Updated()
	_, err = client.Delete(ctx, r.Key)
	require.NoError(t, err)
	<-updated

	_, err = r.Primary(ctx)
	require.ErrorIs(t, err, ErrNoPrimary)

	cancel()
	require.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestEtcdResolverLoadsExistingKey(t *testing.T) {
	var client = etcdtest.TestClient(t)

	var ctx = context.Background()
	var _, err = client.Put(ctx, PrimaryKey("/pagestream", "db"), "http://existing:8080")
	require.NoError(t, err)

	var r = NewEtcd(client, "/pagestream", "db")
	require.NoError(t, r.Load(ctx))

	ep, err := r.Primary(ctx)
	require.NoError(t, err)
	require.Equal(t, pb.Endpoint("http://existing:8080"), ep)
}

func TestAnnounceAndFollow(t *testing.T) {
	var client = etcdtest.TestClient(t)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var r = NewEtcd(client, "/pagestream", "db")
	var watchErr = make(chan error, 1)
	go func() { watchErr <- r.Watch(ctx) }()

	var announceCtx, stopAnnounce = context.WithCancel(ctx)
	var announceErr = make(chan error, 1)
	go func() {
		announceErr <- Announce(announceCtx, client, r.Key, "http://primary:8080", 10*time.Second)
	}()

	require.Eventually(t, func() bool {
		var ep, _ = r.Primary(ctx)
		return ep == "http://primary:8080"
	}, 5*time.Second, 10*time.Millisecond)

	// A competing announcement blocks while the key exists.
	var shortCtx, shortCancel = context.WithTimeout(ctx, 100*time.Millisecond)
	require.NoError(t, Announce(shortCtx, client, r.Key, "http://other:8080", 10*time.Second))
	shortCancel()

	ep, err := r.Primary(ctx)
	require.NoError(t, err)
	require.Equal(t, pb.Endpoint("http://primary:8080"), ep)

	// Ending the announcement removes the key.
	stopAnnounce()
	require.NoError(t, <-announceErr)

	require.Eventually(t, func() bool {
		var _, err = r.Primary(ctx)
		return errors.Is(err, ErrNoPrimary)
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, Announce(ctx, client, r.Key, "not a url", time.Second))

	cancel()
	require.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
