package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

// InMemoryFilter remembers keys for ttl. Expired keys are swept lazily, at
// most once per ttl, so memory stays bounded by the uplink rate times ttl.
type InMemoryFilter struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
	logger    zerolog.Logger
}

// NewInMemoryFilter creates an InMemoryFilter.
func NewInMemoryFilter(ttl time.Duration, logger zerolog.Logger) *InMemoryFilter {
	return &InMemoryFilter{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "InMemoryDedupe").Logger(),
	}
}

// Seen implements Filter.
func (f *InMemoryFilter) Seen(ctx context.Context, rec types.SensorRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := Key(rec)
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if now.Sub(f.lastSweep) >= f.ttl {
		f.sweep(now)
	}

	if expiry, ok := f.seen[key]; ok && now.Before(expiry) {
		f.logger.Debug().Str("key", key).Msg("Duplicate reading")
		return true, nil
	}
	f.seen[key] = now.Add(f.ttl)
	return false, nil
}

// Forget implements Filter.
func (f *InMemoryFilter) Forget(_ context.Context, rec types.SensorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, Key(rec))
	return nil
}

func (f *InMemoryFilter) sweep(now time.Time) {
	for k, expiry := range f.seen {
		if !now.Before(expiry) {
			delete(f.seen, k)
		}
	}
	f.lastSweep = now
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (f *InMemoryFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Close implements io.Closer.
func (f *InMemoryFilter) Close() error {
	f.logger.Info().Msg("In-memory dedupe filter closed.")
	return nil
}
