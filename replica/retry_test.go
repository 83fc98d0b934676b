package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelays(t *testing.T) {
	var p = RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	for attempt, expect := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	} {
		require.Equal(t, expect, p.Delay(attempt))
	}
	// Very large attempts don't overflow.
	require.Equal(t, time.Second, p.Delay(5000))
}

func TestRetryPolicyJitter(t *testing.T) {
	var p = RetryPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 1.5, Jitter: 0.25}

	for i := 0; i != 100; i++ {
		var d = p.Delay(2) // Nominally 2.25s.
		require.GreaterOrEqual(t, d, 1687*time.Millisecond)
		require.LessOrEqual(t, d, 2813*time.Millisecond)
	}
}

func TestRetryPolicyValidation(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy.Validate())

	var p = DefaultRetryPolicy
	p.Initial = 0
	require.EqualError(t, p.Validate(), "invalid Initial (0s; expected > 0)")

	p = DefaultRetryPolicy
	p.Max = time.Millisecond
	require.EqualError(t, p.Validate(), "invalid Max (1ms; expected >= Initial 100ms)")

	p = DefaultRetryPolicy
	p.Multiplier = 0.5
	require.EqualError(t, p.Validate(), "invalid Multiplier (0.5; expected >= 1)")

	p = DefaultRetryPolicy
	p.Jitter = 1
	require.EqualError(t, p.Validate(), "invalid Jitter (1; expected 0 <= Jitter < 1)")
}

func TestDialerCachesConnections(t *testing.T) {
	var d = NewDialer(2)
	defer d.Close()

	var a1, err = d.Dial("http://127.0.0.1:1111")
	require.NoError(t, err)
	a2, err := d.Dial("http://127.0.0.1:1111")
	require.NoError(t, err)
	require.True(t, a1 == a2)

	b, err := d.Dial("http://127.0.0.1:2222")
	require.NoError(t, err)
	require.False(t, a1 == b)

	_, err = d.Dial("not-a-url")
	require.EqualError(t, err, "not absolute: not-a-url")

	// A third endpoint evicts the least-recently used.
	_, err = d.Dial("http://127.0.0.1:3333")
	require.NoError(t, err)
	a3, err := d.Dial("http://127.0.0.1:1111")
	require.NoError(t, err)
	require.False(t, a1 == a3)
}
