// Package timeout computes depth-aware timeout budgets for delegated work.
// Deeper delegations receive smaller budgets, and a child's budget is always
// clamped to fit inside whatever wall-clock time its parent has left.
package timeout

import (
	"sync/atomic"
	"time"
)

// Tier is the timeout budget configured for one delegation depth.
type Tier struct {
	// Timeout is the nominal budget for work at this depth.
	Timeout time.Duration `mapstructure:"timeout"`
	// Label is a human-readable name for the tier.
	Label string `mapstructure:"label"`
}

// GracePolicy describes the allowance granted after a nominal timeout
// expires, before a partially-complete result is rejected.
type GracePolicy struct {
	// Enabled indicates whether a grace period applies at this depth.
	Enabled bool `mapstructure:"enabled"`
	// Duration is the extra time granted past the nominal timeout.
	Duration time.Duration `mapstructure:"duration"`
	// PartialThreshold is the minimum completed fraction for a partial
	// result to be accepted during the grace period.
	PartialThreshold float64 `mapstructure:"partial_threshold"`
}

// Config holds the full tier table and inheritance policy.
type Config struct {
	// Tiers maps delegation depth to its timeout tier.
	Tiers map[int]Tier `mapstructure:"tiers"`
	// DefaultTier applies to depths beyond the configured table.
	DefaultTier Tier `mapstructure:"default_tier"`
	// MinTimeout is the floor for any computed timeout.
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	// BufferRatio is the fraction of the parent's remaining time reserved
	// for the parent to aggregate child results.
	BufferRatio float64 `mapstructure:"buffer_ratio"`
	// BufferMin is the smallest aggregation buffer ever reserved.
	BufferMin time.Duration `mapstructure:"buffer_min"`
	// ReductionFactor shrinks the default tier for each depth past the
	// end of the configured table.
	ReductionFactor float64 `mapstructure:"reduction_factor"`
	// Grace maps delegation depth to its grace policy.
	Grace map[int]GracePolicy `mapstructure:"grace"`
	// DefaultGrace applies to depths without an explicit grace policy.
	DefaultGrace GracePolicy `mapstructure:"default_grace"`
}

// DefaultConfig returns the stock tier table: generous budgets at the root,
// shrinking at each delegation depth.
func DefaultConfig() Config {
	return Config{
		Tiers: map[int]Tier{
			0: {Timeout: 30 * time.Minute, Label: "root"},
			1: {Timeout: 20 * time.Minute, Label: "delegate"},
			2: {Timeout: 10 * time.Minute, Label: "sub-delegate"},
			3: {Timeout: 5 * time.Minute, Label: "leaf"},
		},
		DefaultTier:     Tier{Timeout: 5 * time.Minute, Label: "deep"},
		MinTimeout:      30 * time.Second,
		BufferRatio:     0.1,
		BufferMin:       30 * time.Second,
		ReductionFactor: 0.5,
		Grace: map[int]GracePolicy{
			0: {Enabled: false},
		},
		DefaultGrace: GracePolicy{
			Enabled:          true,
			Duration:         time.Minute,
			PartialThreshold: 0.8,
		},
	}
}

// Options carries the per-call inputs to a timeout calculation.
type Options struct {
	// ParentRemaining is how much wall-clock budget the parent has left.
	// Zero means no parent budget applies (root delegation).
	ParentRemaining time.Duration
	// Parallel indicates the child runs concurrently with its siblings.
	Parallel bool
	// SiblingCount is the number of children the parent is delegating to
	// in the same batch, including this one.
	SiblingCount int
}

// Result is the outcome of a timeout calculation.
type Result struct {
	// Timeout is the budget granted to the child.
	Timeout time.Duration
	// Tier is the depth the tier was resolved for.
	Tier int
	// TierLabel is the label of the resolved tier.
	TierLabel string
	// Inherited is true when the parent's remaining budget, not the tier
	// table, determined the timeout.
	Inherited bool
}

// Calculator resolves timeout budgets from the tier table. It holds no
// mutable per-call state and is safe for concurrent use; the configuration
// is swapped atomically on reload.
type Calculator struct {
	cfg atomic.Pointer[Config]
}

// NewCalculator creates a Calculator with the given configuration.
func NewCalculator(cfg Config) *Calculator {
	c := &Calculator{}
	c.cfg.Store(&cfg)
	return c
}

// Reload atomically replaces the tier table. In-flight calculations see
// either the old or the new table, never a mix.
func (c *Calculator) Reload(cfg Config) {
	c.cfg.Store(&cfg)
}

// tierFor resolves the tier for a depth, shrinking the default tier by the
// reduction factor for every depth past the end of the configured table.
func (cfg *Config) tierFor(depth int) Tier {
	if tier, ok := cfg.Tiers[depth]; ok {
		return tier
	}

	tier := cfg.DefaultTier
	if cfg.ReductionFactor > 0 && cfg.ReductionFactor < 1 {
		maxConfigured := -1
		for d := range cfg.Tiers {
			if d > maxConfigured {
				maxConfigured = d
			}
		}
		for d := maxConfigured + 1; d < depth; d++ {
			tier.Timeout = time.Duration(float64(tier.Timeout) * cfg.ReductionFactor)
		}
	}
	if tier.Timeout < cfg.MinTimeout {
		tier.Timeout = cfg.MinTimeout
	}
	return tier
}

// CalculateTimeout returns the timeout budget for a delegation at the given
// depth. When the parent's remaining budget is known, the child's timeout is
// clamped to the remaining budget minus an aggregation buffer so the parent
// always has time to collect results. For sequential siblings the remaining
// budget is split across the batch.
func (c *Calculator) CalculateTimeout(depth int, opts Options) Result {
	cfg := c.cfg.Load()
	tier := cfg.tierFor(depth)

	result := Result{
		Timeout:   tier.Timeout,
		Tier:      depth,
		TierLabel: tier.Label,
	}

	if opts.ParentRemaining > 0 {
		buffer := time.Duration(float64(opts.ParentRemaining) * cfg.BufferRatio)
		if buffer < cfg.BufferMin {
			buffer = cfg.BufferMin
		}

		available := opts.ParentRemaining - buffer
		// Sequential siblings consume the parent's budget one after
		// another; parallel siblings share the wall clock.
		if !opts.Parallel && opts.SiblingCount > 1 {
			available /= time.Duration(opts.SiblingCount)
		}

		if available < result.Timeout {
			result.Timeout = available
			result.Inherited = true
		}
	}

	if result.Timeout < cfg.MinTimeout {
		result.Timeout = cfg.MinTimeout
	}

	return result
}

// CalculateGracePeriod returns the grace policy for the given depth.
func (c *Calculator) CalculateGracePeriod(depth int) GracePolicy {
	cfg := c.cfg.Load()
	if g, ok := cfg.Grace[depth]; ok {
		return g
	}
	return cfg.DefaultGrace
}

// CalculateDeadline returns the wall-clock deadline for a timeout that
// starts ticking at startTime.
func CalculateDeadline(timeout time.Duration, startTime time.Time) time.Time {
	return startTime.Add(timeout)
}
