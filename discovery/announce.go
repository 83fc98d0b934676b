package discovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.pagestream.dev/core/protocol"
)

// Announce publishes |endpoint| as the primary of the database under |key|,
// attached to a lease of |ttl| which is kept alive until |ctx| is done,
// whereupon the key is removed. The key must not already exist: if it does,
// Announce retries until it disappears (eg, due to a former lease timeout).
// Announce returns nil upon |ctx| cancellation, or an error if the lease
// couldn't be kept alive.
func Announce(ctx context.Context, client *clientv3.Client, key string, endpoint pb.Endpoint, ttl time.Duration) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	var grant, err = client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return errors.WithMessage(err, "granting lease")
	}
	var lease = grant.ID

	// Revoke with a fresh Context, as |ctx| is done.
	defer func() {
		var revokeCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := client.Revoke(revokeCtx, lease); err != nil {
			log.WithFields(log.Fields{"key": key, "err": err}).Warn("failed to revoke announcement lease")
		}
	}()

	for attempt := 0; ; attempt++ {
		var resp, err = client.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, string(endpoint), clientv3.WithLease(lease))).
			Commit()

		if err == nil && resp.Succeeded {
			break
		} else if err == nil {
			err = errors.New("key exists")
		}
		if ctx.Err() != nil {
			return nil
		}
		log.WithFields(log.Fields{"err": err, "key": key, "attempt": attempt}).
			Warn("failed to announce primary (will retry)")

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return nil
		}
	}

	log.WithFields(log.Fields{"key": key, "endpoint": endpoint}).Info("announced primary")

	keepAlive, err := client.KeepAlive(ctx, lease)
	if err != nil {
		return errors.WithMessage(err, "starting lease keep-alive")
	}
	for range keepAlive {
		// Pass.
	}
	if ctx.Err() != nil {
		return nil // Lease is revoked on return, which removes the key.
	}
	return errors.Errorf("lost lease of announced key %s", key)
}
