package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allenxing4071/aicoin-sub002/internal/logger"
)

// Source fetches a fresh snapshot for one instrument from one exchange feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, instrument string) (Snapshot, error)
}

// Provider is what the scheduler consumes.
type Provider interface {
	Snapshot(ctx context.Context, instrument string) (Snapshot, error)
}

type cacheEntry struct {
	snap      Snapshot
	fetchedAt time.Time
}

// CachedProvider tries each source in order and keeps a short-lived
// per-instrument cache so repeated lookups within one cycle hit the same
// snapshot instead of the network.
type CachedProvider struct {
	sources []Source
	ttl     time.Duration
	nowFn   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewCachedProvider(sources []Source, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &CachedProvider{
		sources: sources,
		ttl:     ttl,
		nowFn:   time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

func (p *CachedProvider) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	now := p.nowFn()

	p.mu.Lock()
	if entry, ok := p.cache[instrument]; ok && now.Sub(entry.fetchedAt) < p.ttl {
		p.mu.Unlock()
		return entry.snap, nil
	}
	p.mu.Unlock()

	var lastErr error
	for _, src := range p.sources {
		if src == nil {
			continue
		}
		snap, err := src.Fetch(ctx, instrument)
		if err != nil {
			lastErr = err
			logger.Warnf("market: source %s failed for %s: %v", src.Name(), instrument, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		p.mu.Lock()
		p.cache[instrument] = cacheEntry{snap: snap, fetchedAt: now}
		p.mu.Unlock()
		return snap, nil
	}
	if lastErr != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, lastErr)
	}
	return Snapshot{}, ErrSnapshotUnavailable
}
