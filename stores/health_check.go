package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
)

// checkLoop checks the health of a store and schedules the next check.
// It takes `stores` by argument so that checks queued against a replaced
// registry (as happens in tests) are discarded.
func checkLoop(stores map[pb.BackupStore]*ActiveStore, bs pb.BackupStore, attempt int) {
	storesMu.RLock()
	var active, ok = stores[bs]
	storesMu.RUnlock()

	if !ok {
		return // Released while we were waiting. Stop checks.
	}

	var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	var err = runCheck(ctx, active.Store)
	cancel()

	var interval = healthCheckInterval(err, attempt)

	if err == nil {
		log.WithFields(log.Fields{
			"store":    bs,
			"attempt":  attempt,
			"interval": interval,
		}).Info("store health check succeeded")
		attempt = 0
	} else {
		log.WithFields(log.Fields{
			"store":     bs,
			"err":       err,
			"attempt":   attempt,
			"interval":  interval,
			"authError": active.Store.IsAuthError(err),
		}).Warn("store health check failed")
		attempt += 1
	}

	storesMu.RLock()
	if a, ok := stores[bs]; ok && a == active {
		active.UpdateHealth(err)
		_ = time.AfterFunc(interval, func() { checkLoop(stores, bs, attempt) })
	}
	storesMu.RUnlock()
}

// healthCheckInterval returns the delay before the next check, given the
// outcome of the last check and the number of consecutive prior failures.
// Intervals carry +/- 20% jitter so that many processes checking a common
// store don't synchronize.
func healthCheckInterval(err error, attempt int) time.Duration {
	var d time.Duration

	if err == nil {
		d = 30 * time.Minute
	} else {
		switch attempt {
		case 0:
			d = 0
		case 1:
			d = time.Second / 10
		case 2, 3:
			d = time.Second
		case 4, 5:
			d = time.Second * 10
		default:
			d = time.Second * 100
		}
	}
	return d + time.Duration((rand.Float64()-0.5)*0.4*float64(d))
}

// runCheck verifies the store supports every operation a shipper needs.
// It tolerates concurrent checks of the same store by multiple processes,
// which write identical content.
func runCheck(ctx context.Context, s Store) error {
	const (
		checkPrefix  = ".health-check/"
		checkPath    = checkPrefix + "probe"
		checkContent = "health-check\n"
	)

	if err := s.Put(ctx, checkPath, strings.NewReader(checkContent), int64(len(checkContent)), ""); err != nil {
		return fmt.Errorf("health check PUT failed: %w", err)
	}

	var rc, err = s.Get(ctx, checkPath)
	if err != nil {
		return fmt.Errorf("health check GET failed: %w", err)
	} else if rc == nil {
		return fmt.Errorf("health check GET returned nil reader")
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, rc); err != nil {
		return fmt.Errorf("health check read failed: %w", err)
	} else if buf.String() != checkContent {
		return fmt.Errorf("health check content mismatch: got %q, want %q", buf.String(), checkContent)
	}

	var found bool
	if err = s.List(ctx, checkPrefix, func(path string, _ time.Time) error {
		found = found || path == "probe"
		return nil
	}); err != nil {
		return fmt.Errorf("health check LIST failed: %w", err)
	} else if !found {
		return fmt.Errorf("health check LIST did not find test file")
	}

	if _, err = s.SignGet(checkPath, 5*time.Minute); err != nil {
		return fmt.Errorf("health check SignGet failed: %w", err)
	}
	return nil
}
