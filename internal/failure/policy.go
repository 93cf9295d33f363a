package failure

import (
	"math"
	"time"

	"github.com/rzbill/reactor/internal/message"
)

// RetryWait returns how long to hold a message before its next delivery.
// count is the delivery count of the failed attempt, starting at 1. Linear
// waits are constant; exponential waits are Wait * Multiplier^(count-1),
// truncated to whole milliseconds and capped at MaxRetryWait.
func RetryWait(count int, d Decision) time.Duration {
	if d.Style != Exponential || count <= 1 {
		return d.Wait
	}
	mult := d.Multiplier
	if mult <= 0 || math.IsNaN(mult) {
		mult = DefaultMultiplier
	}
	ceiling := max(MaxRetryWait, d.Wait)
	limit := float64(ceiling.Milliseconds())
	wait := float64(d.Wait.Milliseconds())
	for i := 1; i < count; i++ {
		wait *= mult
		if wait >= limit {
			return ceiling
		}
	}
	return time.Duration(int64(wait)) * time.Millisecond
}

// ShouldRetry reports whether a message at delivery count may be retried.
// The decision's MaxRetries wins over threshold when set.
func ShouldRetry(count int, d Decision, threshold int) bool {
	limit := threshold
	if d.MaxRetries > 0 {
		limit = d.MaxRetries
	}
	return count <= limit
}

// DeliveryCount reads the delivery count stamped by a previous retry. A
// missing, malformed or non-positive value counts as the first delivery.
func DeliveryCount(m *message.Message) int {
	v, ok, err := m.IntProperty(message.PropDeliveryCount)
	if !ok || err != nil || v < 1 {
		return 1
	}
	return int(v)
}
