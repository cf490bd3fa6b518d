// Package optimizer composes the timeout calculator, context cache, and
// agent pool behind a single facade for the embedding orchestrator. It adds
// no state of its own; each enabled sub-feature delegates faithfully.
package optimizer

import (
	"context"
	"errors"

	"github.com/ShayCichocki/hivemind/internal/cache"
	"github.com/ShayCichocki/hivemind/internal/events"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/timeout"
)

// ErrPoolingDisabled indicates a pool operation was requested while agent
// pooling is switched off.
var ErrPoolingDisabled = errors.New("optimizer: agent pooling disabled")

// Config selects which optimizations run and how they are bounded.
type Config struct {
	// EnableCaching switches the context cache on.
	EnableCaching bool `mapstructure:"enable_caching"`
	// EnablePooling switches the agent pool on.
	EnablePooling bool `mapstructure:"enable_pooling"`
	// Cache bounds the context cache.
	Cache cache.Config `mapstructure:"cache"`
	// Pool bounds the agent pool.
	Pool pool.Config `mapstructure:"pool"`
	// Timeout holds the tier table and inheritance policy.
	Timeout timeout.Config `mapstructure:"timeout"`
}

// DefaultConfig enables every optimization with stock bounds.
func DefaultConfig() Config {
	return Config{
		EnableCaching: true,
		EnablePooling: true,
		Cache:         cache.DefaultConfig(),
		Pool:          pool.DefaultConfig(),
		Timeout:       timeout.DefaultConfig(),
	}
}

// Status aggregates sub-component statistics.
type Status struct {
	CachingEnabled bool        `json:"caching_enabled"`
	PoolingEnabled bool        `json:"pooling_enabled"`
	Cache          cache.Stats `json:"cache"`
	Pool           pool.Stats  `json:"pool"`
}

// Manager is the optimization facade.
type Manager struct {
	cfg     Config
	calc    *timeout.Calculator
	cache   *cache.Cache
	pool    *pool.Pool
	emitter *events.Emitter
}

// New creates a Manager. The factory is only required when pooling is
// enabled; the emitter may be nil.
func New(cfg Config, factory pool.Factory, emitter *events.Emitter) *Manager {
	m := &Manager{
		cfg:     cfg,
		calc:    timeout.NewCalculator(cfg.Timeout),
		emitter: emitter,
	}
	if cfg.EnableCaching {
		m.cache = cache.New(cfg.Cache, emitter)
	}
	if cfg.EnablePooling {
		m.pool = pool.New(cfg.Pool, factory, emitter)
	}
	return m
}

// Start warms the agent pool when pooling is enabled.
func (m *Manager) Start() error {
	if m.pool != nil {
		return m.pool.Start()
	}
	return nil
}

// GetTimeout returns the timeout budget for a delegation at the given depth.
func (m *Manager) GetTimeout(depth int, opts timeout.Options) timeout.Result {
	return m.calc.CalculateTimeout(depth, opts)
}

// GetGracePeriod returns the grace policy for the given depth.
func (m *Manager) GetGracePeriod(depth int) timeout.GracePolicy {
	return m.calc.CalculateGracePeriod(depth)
}

// ReloadTimeouts atomically replaces the tier table.
func (m *Manager) ReloadTimeouts(cfg timeout.Config) {
	m.calc.Reload(cfg)
}

// GetOrSetContext returns the cached value for key, or calls fetcher and
// caches its result. Fetcher errors propagate to the caller; failure to
// cache a fetched value does not.
func (m *Manager) GetOrSetContext(key string, fetcher func() (any, error), opts cache.SetOptions) (any, error) {
	if m.cache != nil {
		if entry := m.cache.Get(key); entry != nil {
			return entry.Value, nil
		}
	}

	value, err := fetcher()
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		// Best-effort: a full cache degrades to fetching every time.
		m.cache.Set(key, value, opts)
	}
	return value, nil
}

// Cache exposes the context cache, or nil when caching is disabled.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// CheckoutAgent claims a pooled agent slot.
func (m *Manager) CheckoutAgent(ctx context.Context, criteria pool.Criteria) (*pool.Agent, error) {
	if m.pool == nil {
		return nil, ErrPoolingDisabled
	}
	return m.pool.Checkout(ctx, criteria)
}

// CheckinAgent returns a pooled agent slot. A no-op when pooling is
// disabled, matching checkin's never-fails contract.
func (m *Manager) CheckinAgent(agentID string, success bool) {
	if m.pool == nil {
		return
	}
	m.pool.Checkin(agentID, success)
}

// Status returns aggregate statistics for every enabled sub-feature.
func (m *Manager) Status() Status {
	s := Status{
		CachingEnabled: m.cache != nil,
		PoolingEnabled: m.pool != nil,
	}
	if m.cache != nil {
		s.Cache = m.cache.Stats()
	}
	if m.pool != nil {
		s.Pool = m.pool.Stats()
	}
	return s
}

// Shutdown stops the pool and clears the cache.
func (m *Manager) Shutdown() {
	if m.pool != nil {
		m.pool.Shutdown()
	}
	if m.cache != nil {
		m.cache.Clear()
	}
}
