package replica

import (
	"math"
	"math/rand/v2"
	"time"

	pb "go.pagestream.dev/core/protocol"
)

// RetryPolicy determines the delay before each reconnection attempt of a
// Client. Delays grow geometrically from Initial by Multiplier, up to Max,
// and are randomized by +/- Jitter. The attempt counter resets once a
// stream makes progress.
type RetryPolicy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the fraction, in [0, 1), by which a delay is randomized.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy is used by Clients having a zero-valued RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	Initial:    100 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Validate returns an error if the RetryPolicy is not well-formed.
func (p RetryPolicy) Validate() error {
	if p.Initial <= 0 {
		return pb.NewValidationError("invalid Initial (%s; expected > 0)", p.Initial)
	} else if p.Max < p.Initial {
		return pb.NewValidationError("invalid Max (%s; expected >= Initial %s)", p.Max, p.Initial)
	} else if p.Multiplier < 1 {
		return pb.NewValidationError("invalid Multiplier (%v; expected >= 1)", p.Multiplier)
	} else if p.Jitter < 0 || p.Jitter >= 1 {
		return pb.NewValidationError("invalid Jitter (%v; expected 0 <= Jitter < 1)", p.Jitter)
	}
	return nil
}

// Delay returns the delay before reconnection |attempt|, counting from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var d = float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) || math.IsInf(d, 0) {
		d = float64(p.Max)
	}
	if p.Jitter != 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
