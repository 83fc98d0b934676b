package backup

import (
	"errors"
	"math/rand/v2"
	"time"

	pb "go.pagestream.dev/core/protocol"
)

// backoff returns the interval to wait before a retry |attempt|, which grows
// exponentially from 100ms to a one minute ceiling with +/- 20% jitter.
func backoff(attempt int) time.Duration {
	var d = 100 * time.Millisecond
	for i := 0; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	var jitter = 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// isIntegrityError returns true if |err| reflects corrupt or malformed
// content, as opposed to a transient failure which may be retried.
func isIntegrityError(err error) bool {
	return errors.Is(err, pb.ErrChecksumMismatch) ||
		errors.Is(err, pb.ErrSequenceGap) ||
		errors.Is(err, ErrMalformedObject)
}
