// Package cache provides a bounded, in-memory store of context fragments
// shared across sibling delegations. Entries are bounded jointly by byte
// size, estimated token count, and entry count, and are evicted by TTL
// expiry first, then least-recently-used order.
//
// Caching is strictly an optimization: no operation here returns an error,
// and a Set that cannot make room reports false rather than failing the
// caller's delegation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/internal/events"
)

// Config bounds the cache.
type Config struct {
	// MaxMemoryBytes is the budget for serialized entry content.
	MaxMemoryBytes int64 `mapstructure:"max_memory_bytes"`
	// MaxEntries is the maximum number of live entries.
	MaxEntries int `mapstructure:"max_entries"`
	// DefaultTTL applies when a Set does not specify one.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// TokenBudget bounds the summed estimated token counts.
	TokenBudget int `mapstructure:"token_budget"`
}

// DefaultConfig returns the stock cache bounds.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes: 50 * 1024 * 1024,
		MaxEntries:     1000,
		DefaultTTL:     5 * time.Minute,
		TokenBudget:    100_000,
	}
}

// Wildcard marks an entry as shareable with every agent.
const Wildcard = "*"

// Entry is one cached context fragment.
type Entry struct {
	// Key is the cache key.
	Key string
	// ContextType classifies the fragment (e.g. "task_context").
	ContextType string
	// Value is the cached content.
	Value any
	// ByteSize is the serialized size of Value.
	ByteSize int64
	// TokenCount is the estimated token footprint of Value.
	TokenCount int
	// CreatedAt is when the entry was stored.
	CreatedAt time.Time
	// LastAccessedAt is when the entry was last read.
	LastAccessedAt time.Time
	// AccessCount is the number of successful reads.
	AccessCount int64
	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
	// OwnerAgentID is the agent that stored the entry.
	OwnerAgentID string
	// Shareable indicates other agents may read this entry.
	Shareable bool
	// ShareableWith lists the agents allowed to read the entry, or the
	// wildcard for all agents.
	ShareableWith map[string]struct{}
	// Priority biases retention; reserved for future eviction policies.
	Priority int

	// seq is the access-order sequence used for LRU eviction.
	seq uint64
	// hash is the content hash used for dedup lookups.
	hash string
}

// SetOptions carries the optional attributes of a Set.
type SetOptions struct {
	ContextType   string
	OwnerAgentID  string
	TTL           time.Duration
	Shareable     bool
	ShareableWith []string
	Priority      int
}

// InvalidateFilter selects entries for bulk removal. Zero-value fields are
// ignored; set fields combine with AND.
type InvalidateFilter struct {
	// ContextType matches entries of this type.
	ContextType string
	// AgentID matches entries owned by this agent.
	AgentID string
	// Pattern matches keys containing this substring.
	Pattern string
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	BytesUsed   int64   `json:"bytes_used"`
	TokensUsed  int     `json:"tokens_used"`
	HitRate     float64 `json:"hit_rate"`
}

// Cache is the shared context store. All methods are safe for concurrent
// use; a single mutex serializes every operation.
type Cache struct {
	cfg     Config
	emitter *events.Emitter

	mu        sync.Mutex
	entries   map[string]*Entry
	byType    map[string]map[string]struct{}
	byOwner   map[string]map[string]struct{}
	byHash    map[string]string
	shareable map[string]struct{}

	seq        uint64
	bytesUsed  int64
	tokensUsed int

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now func() time.Time
}

// New creates a Cache with the given bounds. The emitter may be nil.
func New(cfg Config, emitter *events.Emitter) *Cache {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultConfig().MaxMemoryBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultConfig().TokenBudget
	}

	return &Cache{
		cfg:       cfg,
		emitter:   emitter,
		entries:   make(map[string]*Entry),
		byType:    make(map[string]map[string]struct{}),
		byOwner:   make(map[string]map[string]struct{}),
		byHash:    make(map[string]string),
		shareable: make(map[string]struct{}),
		now:       time.Now,
	}
}

// Get returns a snapshot of the entry for key, or nil on a miss. An entry
// past its TTL is removed and counted as a miss.
func (c *Cache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if c.now().After(entry.ExpiresAt) {
		c.removeLocked(key, true)
		c.misses++
		return nil
	}

	c.hits++
	entry.AccessCount++
	entry.LastAccessedAt = c.now()
	c.seq++
	entry.seq = c.seq

	snapshot := *entry
	return &snapshot
}

// Has reports whether a live entry exists for key without touching recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(entry.ExpiresAt) {
		c.removeLocked(key, true)
		return false
	}
	return true
}

// Set stores value under key, evicting older entries as needed. It returns
// false if enough space could not be freed.
func (c *Cache) Set(key string, value any, opts SetOptions) bool {
	serialized, err := json.Marshal(value)
	if err != nil {
		// Unserializable content is simply not cached.
		return false
	}
	byteSize := int64(len(serialized))
	tokenCount := estimateTokens(len(serialized))

	sum := sha256.Sum256(serialized)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()

	// A replaced entry frees its budget, but stays live until admission
	// succeeds so a failed replace never discards the previous value.
	replacing := c.entries[key]
	if !c.makeRoomLocked(replacing, byteSize, tokenCount) {
		return false
	}
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key, false)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	now := c.now()
	c.seq++
	entry := &Entry{
		Key:            key,
		ContextType:    opts.ContextType,
		Value:          value,
		ByteSize:       byteSize,
		TokenCount:     tokenCount,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		OwnerAgentID:   opts.OwnerAgentID,
		Shareable:      opts.Shareable,
		Priority:       opts.Priority,
		seq:            c.seq,
		hash:           hash,
	}
	if len(opts.ShareableWith) > 0 {
		entry.ShareableWith = make(map[string]struct{}, len(opts.ShareableWith))
		for _, id := range opts.ShareableWith {
			entry.ShareableWith[id] = struct{}{}
		}
	}

	c.entries[key] = entry
	c.bytesUsed += byteSize
	c.tokensUsed += tokenCount
	c.indexLocked(entry)

	c.emitter.Emit(events.Event{
		Type:    events.EventCacheSet,
		Key:     key,
		AgentID: opts.OwnerAgentID,
	})
	return true
}

// Delete removes the entry for key. It reports whether an entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key, false)
	return true
}

// FindDuplicate returns a snapshot of a live entry holding content equal to
// value, or nil if none exists. Used to avoid caching the same context twice
// under different keys.
func (c *Cache) FindDuplicate(value any) *Entry {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(serialized)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.byHash[hash]
	if !ok {
		return nil
	}
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.ExpiresAt) {
		return nil
	}
	snapshot := *entry
	return &snapshot
}

// GetShareable returns snapshots of every live entry the given agent may
// read: entries shared with it explicitly or via the wildcard.
func (c *Cache) GetShareable(agentID string) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Entry
	now := c.now()
	for key := range c.shareable {
		entry, ok := c.entries[key]
		if !ok || now.After(entry.ExpiresAt) {
			continue
		}
		if !entryReadableBy(entry, agentID) {
			continue
		}
		snapshot := *entry
		out = append(out, &snapshot)
	}
	return out
}

// MarkShareable flags an existing entry as shareable with every agent.
// It reports whether the entry existed.
func (c *Cache) MarkShareable(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	entry.Shareable = true
	if entry.ShareableWith == nil {
		entry.ShareableWith = make(map[string]struct{}, 1)
	}
	entry.ShareableWith[Wildcard] = struct{}{}
	c.shareable[key] = struct{}{}
	return true
}

// Invalidate removes every entry matching the filter and returns how many
// were removed. An empty filter removes nothing.
func (c *Cache) Invalidate(filter InvalidateFilter) int {
	if filter.ContextType == "" && filter.AgentID == "" && filter.Pattern == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for key, entry := range c.entries {
		if filter.ContextType != "" && entry.ContextType != filter.ContextType {
			continue
		}
		if filter.AgentID != "" && entry.OwnerAgentID != filter.AgentID {
			continue
		}
		if filter.Pattern != "" && !strings.Contains(key, filter.Pattern) {
			continue
		}
		doomed = append(doomed, key)
	}
	for _, key := range doomed {
		c.removeLocked(key, false)
	}
	return len(doomed)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Entries:     len(c.entries),
		BytesUsed:   c.bytesUsed,
		TokensUsed:  c.tokensUsed,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear removes every entry. Counters other than usage are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		c.removeLocked(key, false)
	}
}

// makeRoomLocked frees space for a prospective entry: expired entries are
// swept first, then least-recently-used entries one at a time. replacing,
// when non-nil, is the live entry the new value will displace; its budget
// counts as free but it is not removed here. Returns false if the entry
// cannot fit even with the cache empty.
func (c *Cache) makeRoomLocked(replacing *Entry, byteSize int64, tokenCount int) bool {
	if byteSize > c.cfg.MaxMemoryBytes || tokenCount > c.cfg.TokenBudget {
		return false
	}

	c.sweepExpiredLocked()

	for c.overBudgetLocked(replacing, byteSize, tokenCount) {
		victim := c.lruVictimLocked()
		if victim == "" {
			return false
		}
		c.removeLocked(victim, false)
		c.evictions++
	}
	return true
}

func (c *Cache) overBudgetLocked(replacing *Entry, byteSize int64, tokenCount int) bool {
	var freedBytes int64
	var freedTokens, freedEntries int
	// The sweep or an eviction may have already removed the replaced
	// entry; its budget only counts as free while it is still live.
	if replacing != nil {
		if cur, ok := c.entries[replacing.Key]; ok && cur == replacing {
			freedBytes = replacing.ByteSize
			freedTokens = replacing.TokenCount
			freedEntries = 1
		}
	}
	return c.bytesUsed-freedBytes+byteSize > c.cfg.MaxMemoryBytes ||
		c.tokensUsed-freedTokens+tokenCount > c.cfg.TokenBudget ||
		len(c.entries)-freedEntries+1 > c.cfg.MaxEntries
}

// lruVictimLocked returns the key with the lowest access sequence, or "" if
// the cache is empty.
func (c *Cache) lruVictimLocked() string {
	var victim string
	var lowest uint64
	for key, entry := range c.entries {
		if victim == "" || entry.seq < lowest {
			victim = key
			lowest = entry.seq
		}
	}
	return victim
}

func (c *Cache) sweepExpiredLocked() {
	now := c.now()
	var doomed []string
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		c.removeLocked(key, true)
	}
}

// removeLocked deletes an entry and unwinds every index.
func (c *Cache) removeLocked(key string, expired bool) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}

	delete(c.entries, key)
	c.bytesUsed -= entry.ByteSize
	c.tokensUsed -= entry.TokenCount
	if expired {
		c.expirations++
	}

	if keys, ok := c.byType[entry.ContextType]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byType, entry.ContextType)
		}
	}
	if keys, ok := c.byOwner[entry.OwnerAgentID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byOwner, entry.OwnerAgentID)
		}
	}
	if c.byHash[entry.hash] == key {
		delete(c.byHash, entry.hash)
	}
	delete(c.shareable, key)

	c.emitter.Emit(events.Event{
		Type:    events.EventCacheDelete,
		Key:     key,
		AgentID: entry.OwnerAgentID,
	})
}

func (c *Cache) indexLocked(entry *Entry) {
	if _, ok := c.byType[entry.ContextType]; !ok {
		c.byType[entry.ContextType] = make(map[string]struct{})
	}
	c.byType[entry.ContextType][entry.Key] = struct{}{}

	if _, ok := c.byOwner[entry.OwnerAgentID]; !ok {
		c.byOwner[entry.OwnerAgentID] = make(map[string]struct{})
	}
	c.byOwner[entry.OwnerAgentID][entry.Key] = struct{}{}

	c.byHash[entry.hash] = entry.Key

	if entry.Shareable {
		c.shareable[entry.Key] = struct{}{}
	}
}

func entryReadableBy(entry *Entry, agentID string) bool {
	if !entry.Shareable {
		return false
	}
	if len(entry.ShareableWith) == 0 {
		// Shareable with no explicit list means shareable with all.
		return true
	}
	if _, ok := entry.ShareableWith[Wildcard]; ok {
		return true
	}
	_, ok := entry.ShareableWith[agentID]
	return ok
}

// estimateTokens approximates token count from serialized size. Four bytes
// per token tracks typical English prose closely enough for budgeting.
func estimateTokens(byteLen int) int {
	return (byteLen + 3) / 4
}
