package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"kachery/pkg/clock"

	"golang.org/x/sync/singleflight"
)

const DefaultProbeTTL = 10 * time.Second

// ProbeCache remembers the last probe outcome for a TTL. Concurrent callers
// share one in-flight probe. An unreachable daemon is remembered too, so
// offline clients do not dial on every call.
type ProbeCache struct {
	clock clock.Clock
	ttl   time.Duration
	fetch func(ctx context.Context) (*ProbeResponse, error)

	group singleflight.Group

	mu    sync.Mutex
	at    time.Time
	valid bool
	last  probeOutcome
}

type probeOutcome struct {
	res *ProbeResponse
	err error
}

func NewProbeCache(c clock.Clock, ttl time.Duration, fetch func(ctx context.Context) (*ProbeResponse, error)) *ProbeCache {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	return &ProbeCache{clock: c, ttl: ttl, fetch: fetch}
}

func (p *ProbeCache) cached() (probeOutcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid && clock.Since(p.clock, p.at) <= p.ttl {
		return p.last, true
	}
	return probeOutcome{}, false
}

// Get returns the cached probe or runs a new one.
func (p *ProbeCache) Get(ctx context.Context) (*ProbeResponse, error) {
	if out, ok := p.cached(); ok {
		return out.res, out.err
	}

	v, err, _ := p.group.Do("probe", func() (any, error) {
		if out, ok := p.cached(); ok {
			return out.res, out.err
		}
		res, err := p.fetch(ctx)

		// cancellation says nothing about the daemon
		if err == nil || errors.Is(err, ErrUpstreamUnavailable) {
			p.mu.Lock()
			p.at, p.valid, p.last = p.clock.Now(), true, probeOutcome{res, err}
			p.mu.Unlock()
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProbeResponse), nil
}

// Invalidate drops the cached outcome.
func (p *ProbeCache) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}
