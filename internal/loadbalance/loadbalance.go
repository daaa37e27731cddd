// Package loadbalance implements LoadBalancingProvider: an N-way fan-out
// across named sub-profiles applying a dispatch strategy, first-chunk
// timeout, and per-backend health stats.
package loadbalance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/corouter-dev/corouter/internal/config"
	"github.com/corouter-dev/corouter/internal/pipelineerr"
	"github.com/corouter-dev/corouter/internal/provider"
)

const (
	StrategyRoundRobin  = "round-robin"
	StrategyFailover    = "failover"
	StrategyWeighted    = "weighted"
	StrategyHealthAware = "health-aware"
)

// SubProviderFactory resolves a configured sub-profile into a live
// provider.Provider, already bound to that sub-profile's bucket/model.
type SubProviderFactory func(sp config.SubProfile) (provider.Provider, error)

// Stats tracks per-backend health, read by the health-aware strategy and
// exposed for status/observability surfaces.
type Stats struct {
	TotalRequests       int
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastError           error
	LastLatencyMs       int64
	MeanLatencyMs       float64
}

type backend struct {
	spec  config.SubProfile
	stats Stats
}

// Provider implements provider.Provider and provider.LoadBalancer,
// dispatching GenerateChatCompletion across its configured sub-profiles.
type Provider struct {
	mu              sync.Mutex
	profileName     string
	strategy        string
	backends        []*backend
	rrCursor        int
	failoverSticky  int
	failoverRetries int
	streamTimeout   time.Duration
	factory         SubProviderFactory
	weightCurrent   []int // smooth-weighted-round-robin state, persists across dispatches
}

// New builds a LoadBalancingProvider from a config.LoadBalanceProfile.
func New(profile config.LoadBalanceProfile, factory SubProviderFactory) *Provider {
	backends := make([]*backend, len(profile.SubProfiles))
	for i, sp := range profile.SubProfiles {
		backends[i] = &backend{spec: sp}
	}

	return &Provider{
		profileName:     profile.Name,
		strategy:        profile.Strategy,
		backends:        backends,
		failoverRetries: profile.FailoverRetryCount,
		streamTimeout:   time.Duration(profile.EphemeralDefaults.StreamTimeoutMs) * time.Millisecond,
		factory:         factory,
	}
}

func (p *Provider) Name() string         { return p.profileName }
func (p *Provider) IsLoadBalancer() bool { return true }
func (p *Provider) GetDefaultModel() string {
	if len(p.backends) == 0 {
		return ""
	}

	return p.backends[0].spec.Model
}

func (p *Provider) GetServerTools() []string { return nil }

func (p *Provider) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return nil, errors.New("load balancer does not itself expose server tools")
}

func (p *Provider) GetModels() []provider.ModelDescriptor {
	out := make([]provider.ModelDescriptor, 0, len(p.backends))
	for _, b := range p.backends {
		if b.spec.Model != "" {
			out = append(out, provider.ModelDescriptor{ID: b.spec.Model})
		}
	}

	return out
}

// Snapshot returns a copy of current per-backend stats, keyed by sub-profile
// name, for status endpoints.
func (p *Provider) Snapshot() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stats, len(p.backends))
	for _, b := range p.backends {
		out[b.spec.Name] = b.stats
	}

	return out
}

// candidateOrder returns backend indices in dispatch order per strategy.
func (p *Provider) candidateOrder() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.backends)
	order := make([]int, n)

	switch p.strategy {
	case StrategyFailover:
		order[0] = p.failoverSticky
		j := 1

		for i := 0; i < n; i++ {
			if i != p.failoverSticky {
				order[j] = i
				j++
			}
		}
	case StrategyHealthAware:
		for i := range order {
			order[i] = i
		}

		sort.SliceStable(order, func(a, b int) bool {
			ba, bb := p.backends[order[a]], p.backends[order[b]]
			if ba.stats.ConsecutiveFailures != bb.stats.ConsecutiveFailures {
				return ba.stats.ConsecutiveFailures < bb.stats.ConsecutiveFailures
			}

			return ba.stats.MeanLatencyMs < bb.stats.MeanLatencyMs
		})
	case StrategyWeighted:
		order = p.weightedOrderLocked()
	default: // round-robin
		for i := range order {
			order[i] = (p.rrCursor + i) % n
		}
	}

	return order
}

// weightedOrderLocked implements smooth weighted round robin: each
// backend's persisted current weight is bumped by its configured weight,
// the highest current weight is selected and debited by the total, and
// that state carries over to the next dispatch — so the *sequence* of
// primary picks across many calls approximates each backend's weight
// share. The remaining backends follow as same-call fallback candidates,
// highest current weight first. Must be called with p.mu held.
func (p *Provider) weightedOrderLocked() []int {
	n := len(p.backends)

	if len(p.weightCurrent) != n {
		p.weightCurrent = make([]int, n)
	}

	total := 0

	for i, b := range p.backends {
		w := b.spec.Weight
		if w <= 0 {
			w = 1
		}

		p.weightCurrent[i] += w
		total += w
	}

	order := make([]int, 0, n)
	remaining := make([]bool, n)

	for i := range remaining {
		remaining[i] = true
	}

	for picked := 0; picked < n; picked++ {
		best := -1

		for i := 0; i < n; i++ {
			if !remaining[i] {
				continue
			}

			if best == -1 || p.weightCurrent[i] > p.weightCurrent[best] {
				best = i
			}
		}

		order = append(order, best)
		remaining[best] = false

		if picked == 0 {
			p.weightCurrent[best] -= total
		}
	}

	return order
}

func (p *Provider) recordSuccess(idx int, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backends[idx]
	b.stats.TotalRequests++
	b.stats.Successes++
	b.stats.ConsecutiveFailures = 0
	b.stats.LastLatencyMs = latency.Milliseconds()

	if b.stats.Successes == 1 {
		b.stats.MeanLatencyMs = float64(latency.Milliseconds())
	} else {
		n := float64(b.stats.Successes)
		b.stats.MeanLatencyMs += (float64(latency.Milliseconds()) - b.stats.MeanLatencyMs) / n
	}

	if p.strategy == StrategyRoundRobin {
		p.rrCursor = (idx + 1) % len(p.backends)
	}

	if p.strategy == StrategyFailover {
		p.failoverSticky = idx
	}
}

func (p *Provider) recordFailure(idx int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.backends[idx]
	b.stats.TotalRequests++
	b.stats.Failures++
	b.stats.ConsecutiveFailures++
	b.stats.LastError = err
}

// GenerateChatCompletion dispatches across candidates per the configured
// strategy, up to failoverRetries+1 attempts, piping the first successful
// backend's stream through transparently (no rebuffering).
func (p *Provider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, &pipelineerr.Cancelled{Cause: err}
	}

	order := p.candidateOrder()
	maxTries := p.failoverRetries + 1

	if maxTries > len(order) {
		maxTries = len(order)
	}

	var lastErr error

	for i := 0; i < maxTries; i++ {
		idx := order[i]
		b := p.backends[idx]

		backend, err := p.factory(b.spec)
		if err != nil {
			lastErr = err
			p.recordFailure(idx, err)

			continue
		}

		start := time.Now()

		ch, err := backend.GenerateChatCompletion(ctx, opts)
		if err != nil {
			lastErr = err
			p.recordFailure(idx, err)

			continue
		}

		first, timedOut, waitErr := provider.FirstChunkTimeout(ctx, ch, p.streamTimeout)
		if waitErr != nil {
			return nil, waitErr
		}

		if timedOut {
			lastErr = &pipelineerr.StreamTimeout{Elapsed: p.streamTimeout}
			p.recordFailure(idx, lastErr)

			continue
		}

		if first.Err != nil {
			lastErr = first.Err
			p.recordFailure(idx, first.Err)

			continue
		}

		p.recordSuccess(idx, time.Since(start))

		return p.pipeThrough(first, ch), nil
	}

	return nil, lastErr
}

// pipeThrough forwards first and then every subsequent event from ch onto
// a fresh channel, preserving true streaming latency.
func (p *Provider) pipeThrough(first provider.StreamEvent, ch <-chan provider.StreamEvent) <-chan provider.StreamEvent {
	out := make(chan provider.StreamEvent)

	go func() {
		defer close(out)

		out <- first

		if first.Done {
			return
		}

		for ev := range ch {
			out <- ev

			if ev.Done || ev.Err != nil {
				return
			}
		}
	}()

	return out
}
