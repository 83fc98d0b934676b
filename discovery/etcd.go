package discovery

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.pagestream.dev/core/protocol"
)

// Etcd is a Resolver which mirrors the primary Endpoint of a database,
// as published under PrimaryKey by the leadership layer. Watch must be
// running for the Etcd Resolver to observe changes.
type Etcd struct {
	// Key watched by the Resolver.
	Key string

	client *clientv3.Client

	mu       sync.RWMutex
	endpoint pb.Endpoint
	revision int64
	loadedCh chan struct{} // Closed on first Load.
	updateCh chan struct{} // Closed and replaced on each update.
}

// PrimaryKey returns the Etcd key under which the primary Endpoint of the
// database is published. |prefix| must be a cleaned path.
func PrimaryKey(prefix string, db pb.DatabaseID) string {
	if c := path.Clean(prefix); c != prefix {
		panic(fmt.Sprintf("expected prefix to be a cleaned path (%s != %s)", c, prefix))
	}
	return path.Join(prefix, db.String(), "primary")
}

// NewEtcd returns an Etcd Resolver of the database's primary key under |prefix|.
func NewEtcd(client *clientv3.Client, prefix string, db pb.DatabaseID) *Etcd {
	return &Etcd{
		Key:      PrimaryKey(prefix, db),
		client:   client,
		loadedCh: make(chan struct{}),
		updateCh: make(chan struct{}),
	}
}

// Primary returns the current primary Endpoint. If the Resolver hasn't yet
// loaded the key, Primary blocks until it does or |ctx| is done.
func (e *Etcd) Primary(ctx context.Context) (pb.Endpoint, error) {
	select {
	case <-e.loadedCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.endpoint == "" {
		return "", errors.WithMessagef(ErrNoPrimary, "key %s", e.Key)
	}
	return e.endpoint, nil
}

// Updated returns a channel which is closed upon the next update of the
// primary Endpoint.
func (e *Etcd) Updated() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updateCh
}

// Load the current value of the primary key.
func (e *Etcd) Load(ctx context.Context) error {
	var resp, err = e.client.Get(ctx, e.Key)
	if err != nil {
		return errors.WithMessagef(err, "loading %s", e.Key)
	}

	var endpoint pb.Endpoint
	if len(resp.Kvs) != 0 {
		endpoint = pb.Endpoint(resp.Kvs[0].Value)
	}
	e.update(endpoint, resp.Header.Revision)
	return nil
}

// Watch the primary key for changes, until |ctx| is done or a non-retryable
// error occurs. If the Resolver hasn't been loaded, Watch first Loads it.
func (e *Etcd) Watch(ctx context.Context) error {
	select {
	case <-e.loadedCh:
	default:
		if err := e.Load(ctx); err != nil {
			return err
		}
	}
	var watchCh clientv3.WatchChan

	for attempt := 0; ; attempt++ {
		if watchCh == nil {
			e.mu.RLock()
			var next = e.revision + 1
			e.mu.RUnlock()

			watchCh = e.client.Watch(clientv3.WithRequireLeader(ctx), e.Key,
				clientv3.WithProgressNotify(),
				clientv3.WithRev(next),
			)
		}

		var resp, ok = <-watchCh
		if !ok {
			return ctx.Err() // Watch contract implies the context is cancelled.
		}

		switch err := resp.Err(); {
		case err == nil:
			attempt = 0
		case err == rpctypes.ErrNoLeader || resp.CompactRevision != 0:
			// Our watched Etcd is in a partitioned minority, or our revision was
			// compacted. Reload and restart the watch.
			log.WithFields(log.Fields{"key": e.Key, "err": err, "attempt": attempt}).
				Warn("primary watch failed (will retry)")
			watchCh = nil

			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := e.Load(ctx); err != nil {
				return err
			}
			continue
		default:
			return errors.WithMessagef(err, "watching %s", e.Key)
		}

		for _, ev := range resp.Events {
			var endpoint pb.Endpoint
			if ev.Type == mvccpb.PUT {
				endpoint = pb.Endpoint(ev.Kv.Value)
			}
			e.update(endpoint, ev.Kv.ModRevision)
		}
		if resp.Header.Revision != 0 {
			e.mu.Lock()
			if resp.Header.Revision > e.revision {
				e.revision = resp.Header.Revision
			}
			e.mu.Unlock()
		}
	}
}

func (e *Etcd) update(endpoint pb.Endpoint, revision int64) {
	if endpoint != "" {
		if err := endpoint.Validate(); err != nil {
			log.WithFields(log.Fields{"key": e.Key, "value": endpoint, "err": err}).
				Error("ignoring invalid primary endpoint")
			endpoint = ""
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if revision < e.revision {
		return
	}
	e.revision = revision

	select {
	case <-e.loadedCh:
	default:
		close(e.loadedCh)
	}
	if endpoint == e.endpoint {
		return
	}

	log.WithFields(log.Fields{
		"key":      e.Key,
		"from":     e.endpoint,
		"to":       endpoint,
		"revision": revision,
	}).Info("primary endpoint changed")

	e.endpoint = endpoint
	close(e.updateCh)
	e.updateCh = make(chan struct{})
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return 0
	case 2:
		return time.Millisecond * 5
	case 3, 4, 5:
		return time.Second * time.Duration(attempt-1)
	default:
		return 5 * time.Second
	}
}
