package pool

import (
	"errors"
	"fmt"
	"time"
)

// Limits on the scaling configuration.
const (
	// MinThreshold is exclusive: the message threshold must exceed it.
	MinThreshold = 3
	// MinRecheckPeriod is the shortest allowed interval between ticks.
	MinRecheckPeriod = 250 * time.Millisecond
)

// Defaults applied by New to zero-valued fields.
const (
	DefaultMaxSpawnFailures = 10
	DefaultHeartbeatCycles  = 100
	DefaultProbeAttempts    = 5
	DefaultProbeBackoff     = 30 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("pool: invalid config")

// Config holds the scaling rule parameters.
type Config struct {
	// MessageThreshold is the backlog above which a worker is added.
	MessageThreshold int
	RecheckPeriod    time.Duration
	MaxWorkers       int
	// MaxSpawnFailures consecutive failed spawns with an empty pool is fatal.
	MaxSpawnFailures int
	// HeartbeatCycles is how many idle ticks pass between info-level depth logs.
	HeartbeatCycles int
	ProbeAttempts   int
	ProbeBackoff    time.Duration
}

func (c Config) Validate() error {
	if c.MessageThreshold <= MinThreshold {
		return fmt.Errorf("%w: message threshold %d must be greater than %d", ErrInvalidConfig, c.MessageThreshold, MinThreshold)
	}
	if c.RecheckPeriod < MinRecheckPeriod {
		return fmt.Errorf("%w: recheck period %s is below %s", ErrInvalidConfig, c.RecheckPeriod, MinRecheckPeriod)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: max workers must be at least 1", ErrInvalidConfig)
	}
	if c.MaxSpawnFailures < 0 || c.HeartbeatCycles < 0 || c.ProbeAttempts < 0 || c.ProbeBackoff < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxSpawnFailures == 0 {
		c.MaxSpawnFailures = DefaultMaxSpawnFailures
	}
	if c.HeartbeatCycles == 0 {
		c.HeartbeatCycles = DefaultHeartbeatCycles
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = DefaultProbeAttempts
	}
	if c.ProbeBackoff == 0 {
		c.ProbeBackoff = DefaultProbeBackoff
	}
	return c
}

// Action is the outcome of one scaling decision.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionNone      Action = "none"
)

func (a Action) String() string { return string(a) }

// Decide applies the scaling rule. While the backlog exceeds the threshold,
// or the pool is empty, a worker is added unless the pool is at its cap.
// Otherwise the pool shrinks by one, never below one worker.
func Decide(depth, size int, c Config) Action {
	if depth > c.MessageThreshold || size == 0 {
		if size < c.MaxWorkers {
			return ActionScaleUp
		}
		return ActionNone
	}
	if size > 1 {
		return ActionScaleDown
	}
	return ActionNone
}
