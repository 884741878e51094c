// Package cache implements MarketDataCache (C1): the thread-safe,
// authoritative snapshot of the latest tick per symbol plus short-horizon
// bar history, adapted from the teacher's price/OHLCV cache maps in
// internal/data/market_data.go generalized to the spec's richer Tick and
// per-(symbol,bar-size) HistoryRing model.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// ErrCapacity is returned when history(n) is requested beyond ring capacity.
var ErrCapacity = errors.New("cache: requested history exceeds ring capacity")

// ErrAlreadyLive is returned when preload is attempted after live ticks
// have already been accepted for a symbol.
var ErrAlreadyLive = errors.New("cache: symbol already has live data, refusing preload")

// ring is a bounded, copy-on-write sequence of closed bars for one
// (symbol, bar size) pair. Readers take an atomic snapshot of the slice
// pointer; writers build a new slice and swap it in, so readers never
// block a writer's forward progress.
type ring struct {
	capacity int
	bars     atomic.Pointer[[]types.Bar]
	live     atomic.Bool
}

func newRing(capacity int) *ring {
	r := &ring{capacity: capacity}
	empty := make([]types.Bar, 0, capacity)
	r.bars.Store(&empty)
	return r
}

func (r *ring) append(bar types.Bar) {
	old := *r.bars.Load()
	next := make([]types.Bar, 0, r.capacity)
	start := 0
	if len(old)+1 > r.capacity {
		start = len(old) + 1 - r.capacity
	}
	next = append(next, old[start:]...)
	next = append(next, bar)
	r.bars.Store(&next)
}

func (r *ring) last(n int) ([]types.Bar, error) {
	if n > r.capacity {
		return nil, ErrCapacity
	}
	snap := *r.bars.Load()
	if n > len(snap) {
		n = len(snap)
	}
	out := make([]types.Bar, n)
	copy(out, snap[len(snap)-n:])
	return out, nil
}

// Cache is MarketDataCache (C1).
type Cache struct {
	logger *zap.Logger

	latest atomic.Pointer[map[string]tickEntry]
	mu     sync.Mutex // serializes writers; readers never take it

	rings   map[string]map[types.BarSize]*ring
	ringsMu sync.RWMutex

	staleThreshold time.Duration

	validator *TickValidator
	avgVolume map[string]float64 // EMA of volume per symbol, input to spike detection
}

type tickEntry struct {
	tick     types.Tick
	receivedAt time.Time
}

// New creates an empty Cache. staleThreshold is the default age (30s per
// spec) beyond which latest() results are considered unusable by callers.
func New(logger *zap.Logger, staleThreshold time.Duration) *Cache {
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Second
	}
	c := &Cache{
		logger:         logger.Named("cache"),
		rings:          make(map[string]map[types.BarSize]*ring),
		staleThreshold: staleThreshold,
		validator:      NewTickValidator(logger),
		avgVolume:      make(map[string]float64),
	}
	empty := make(map[string]tickEntry)
	c.latest.Store(&empty)
	return c
}

// RegisterRing allocates a HistoryRing for symbol+size with the given
// capacity (warm-up requirement, >= 50 per the data model).
func (c *Cache) RegisterRing(symbol string, size types.BarSize, capacity int) {
	c.ringsMu.Lock()
	defer c.ringsMu.Unlock()
	if _, ok := c.rings[symbol]; !ok {
		c.rings[symbol] = make(map[types.BarSize]*ring)
	}
	if _, ok := c.rings[symbol][size]; !ok {
		c.rings[symbol][size] = newRing(capacity)
	}
}

// PutTick overwrites the latest tick for symbol, after screening it
// through the TickValidator: a critical-severity issue (OHLC invariant
// violated, high < low) drops the tick rather than letting it become the
// new authoritative latest, tightening the bare low<=ltp<=high check
// with the anomaly classes in §10. Non-critical issues (circuit-breaker
// move, volume spike) are logged but still accepted — the tick is real,
// just unusual. Fails silently for rings (per §4.1) if the symbol has no
// registered ring — the atomic latest-tick map still accepts it but the
// symbol is otherwise unknown to the orchestrator's active universe.
func (c *Cache) PutTick(symbol string, tick types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	issues := c.validator.Validate(tick, c.avgVolume[symbol])
	if HasCritical(issues) {
		for _, iss := range issues {
			c.logger.Warn("rejecting tick failing data-quality validation",
				zap.String("symbol", iss.Symbol), zap.String("severity", iss.Severity), zap.String("issue", iss.Message))
		}
		return
	}
	for _, iss := range issues {
		c.logger.Warn("tick flagged by data-quality validation, accepted anyway",
			zap.String("symbol", iss.Symbol), zap.String("severity", iss.Severity), zap.String("issue", iss.Message))
	}

	const volumeEMAAlpha = 0.1
	vol := tick.Volume.InexactFloat64()
	if prev, ok := c.avgVolume[symbol]; ok && prev > 0 {
		c.avgVolume[symbol] = prev + volumeEMAAlpha*(vol-prev)
	} else {
		c.avgVolume[symbol] = vol
	}

	old := *c.latest.Load()
	next := make(map[string]tickEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[symbol] = tickEntry{tick: tick, receivedAt: time.Now()}
	c.latest.Store(&next)

	c.ringsMu.RLock()
	if rs, ok := c.rings[symbol]; ok {
		for _, r := range rs {
			r.live.Store(true)
		}
	}
	c.ringsMu.RUnlock()
}

// Latest returns the last tick for symbol and its age. ok is false on a
// cache miss (unknown symbol), never a panic.
func (c *Cache) Latest(symbol string) (tick types.Tick, age time.Duration, ok bool) {
	m := *c.latest.Load()
	e, found := m[symbol]
	if !found {
		return types.Tick{}, 0, false
	}
	return e.tick, time.Since(e.receivedAt), true
}

// IsStale reports whether age exceeds the configured stale threshold.
func (c *Cache) IsStale(age time.Duration) bool {
	return age > c.staleThreshold
}

// Snapshot returns a point-in-time consistent map of symbol->Tick for the
// requested symbols; missing symbols are omitted, never zero-valued.
func (c *Cache) Snapshot(symbols []string) map[string]types.Tick {
	m := *c.latest.Load()
	out := make(map[string]types.Tick, len(symbols))
	for _, s := range symbols {
		if e, ok := m[s]; ok {
			out[s] = e.tick
		}
	}
	return out
}

// History returns the most recent n closed bars for symbol at the given
// bar size.
func (c *Cache) History(symbol string, size types.BarSize, n int) ([]types.Bar, error) {
	c.ringsMu.RLock()
	rs, ok := c.rings[symbol]
	var r *ring
	if ok {
		r = rs[size]
	}
	c.ringsMu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("cache: no history ring for %s/%s", symbol, size)
	}
	return r.last(n)
}

// AppendBar appends a newly-closed bar to symbol's HistoryRing at size,
// dropping the oldest bar once capacity is exceeded. No-op if the ring was
// never registered (unknown symbol, per §4.1's "never panics" rule).
func (c *Cache) AppendBar(symbol string, size types.BarSize, bar types.Bar) {
	c.ringsMu.RLock()
	var r *ring
	if rs, ok := c.rings[symbol]; ok {
		r = rs[size]
	}
	c.ringsMu.RUnlock()
	if r == nil {
		return
	}
	r.append(bar)
}

// Preload one-shot initializes history for symbol+size from a historical
// query. Idempotent: calling it again before any live tick is a no-op
// overwrite; calling it after live ticks have been accepted refuses with
// ErrAlreadyLive to avoid rewriting history strategies may already be
// warmed up against.
func (c *Cache) Preload(symbol string, size types.BarSize, bars []types.Bar) error {
	c.ringsMu.Lock()
	defer c.ringsMu.Unlock()

	if _, ok := c.rings[symbol]; !ok {
		c.rings[symbol] = make(map[types.BarSize]*ring)
	}
	r, ok := c.rings[symbol][size]
	if ok && r.live.Load() {
		return ErrAlreadyLive
	}

	capacity := len(bars)
	if ok {
		capacity = r.capacity
	}
	nr := newRing(capacity)
	for _, b := range bars {
		nr.append(b)
	}
	c.rings[symbol][size] = nr
	return nil
}
