// Package retry implements RetryOrchestrator: the central
// exponential-backoff, Retry-After, stream-timeout, and
// bucket-failover-aware wrapper around any provider.Provider.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/corouter-dev/corouter/internal/pipelineerr"
	"github.com/corouter-dev/corouter/internal/provider"
)

// Options configures one Orchestrator. Zero-value fields fall back to the
// package defaults below.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	StreamingTimeout  time.Duration // 0 disables first-chunk timeout
	TrackThrottleWait func(time.Duration)
	FailoverThreshold int // consecutive 429s tolerated before failover; default 1
}

const (
	DefaultMaxAttempts    = 6
	DefaultInitialDelay   = 5 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultFailoverThresh = 1
	jitterFraction        = 0.30
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}

	if o.FailoverThreshold <= 0 {
		o.FailoverThreshold = DefaultFailoverThresh
	}

	if o.TrackThrottleWait == nil {
		o.TrackThrottleWait = func(time.Duration) {}
	}

	return o
}

// Orchestrator wraps a provider.Provider, adding retry/backoff/failover to
// GenerateChatCompletion. Every other Provider method is delegated through
// unchanged.
type Orchestrator struct {
	wrapped provider.Provider
	opts    Options
}

// New wraps p. If p also implements provider.LoadBalancer, the returned
// Orchestrator passes GenerateChatCompletion straight through — the load
// balancer owns its own failover/retry.
func New(p provider.Provider, opts Options) *Orchestrator {
	return &Orchestrator{wrapped: p, opts: opts.withDefaults()}
}

func (o *Orchestrator) Name() string { return o.wrapped.Name() }

func (o *Orchestrator) GetModels() []provider.ModelDescriptor { return o.wrapped.GetModels() }

func (o *Orchestrator) GetDefaultModel() string { return o.wrapped.GetDefaultModel() }

func (o *Orchestrator) GetServerTools() []string { return o.wrapped.GetServerTools() }

func (o *Orchestrator) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return o.wrapped.InvokeServerTool(ctx, name, params)
}

// GenerateChatCompletion implements the retry/backoff/failover algorithm.
func (o *Orchestrator) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	if lb, ok := o.wrapped.(provider.LoadBalancer); ok && lb.IsLoadBalancer() {
		return o.wrapped.GenerateChatCompletion(ctx, opts)
	}

	if err := ctx.Err(); err != nil {
		return nil, &pipelineerr.Cancelled{Cause: err}
	}

	out := make(chan provider.StreamEvent)

	go o.run(ctx, opts, out)

	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, callOpts provider.Options, out chan<- provider.StreamEvent) {
	defer close(out)

	maxAttempts := callOpts.Ephemerals.IntOr(callOpts.Ephemerals.Retries, o.opts.MaxAttempts)
	initialDelayMs := callOpts.Ephemerals.IntOr(callOpts.Ephemerals.RetryWaitMs, int(o.opts.InitialDelay/time.Millisecond))
	streamTimeoutMs := callOpts.Ephemerals.IntOr(callOpts.Ephemerals.StreamTimeoutMs, int(o.opts.StreamingTimeout/time.Millisecond))

	bucketHandler := callOpts.Hooks.Bucket
	streamTimeout := time.Duration(streamTimeoutMs) * time.Millisecond
	delay := time.Duration(initialDelayMs) * time.Millisecond

	attempt := 0
	consec429 := 0
	consecAuth := 0

	var lastErr error

	for attempt < maxAttempts {
		attempt++

		if err := ctx.Err(); err != nil {
			emit(out, provider.StreamEvent{Err: &pipelineerr.Cancelled{Cause: err}, Done: true})
			return
		}

		attemptErr := o.runOneAttempt(ctx, callOpts, streamTimeout, out)
		if attemptErr == nil {
			return // clean completion already forwarded by runOneAttempt
		}

		lastErr = attemptErr

		if errors.As(attemptErr, new(*pipelineerr.Cancelled)) {
			emit(out, provider.StreamEvent{Err: attemptErr, Done: true})
			return
		}

		var rl *pipelineerr.RateLimited
		var pay *pipelineerr.PaymentRequired
		var auth *pipelineerr.Unauthorized

		is429 := errors.As(attemptErr, &rl)
		is402 := errors.As(attemptErr, &pay)
		isAuth := errors.As(attemptErr, &auth)

		if is429 {
			consec429++
		} else {
			consec429 = 0
		}

		if isAuth {
			consecAuth++
		} else {
			consecAuth = 0
		}

		shouldAttemptRefreshRetry := isAuth && bucketHandler != nil && consecAuth == 1
		shouldAttemptFailover := bucketHandler != nil &&
			((is429 && consec429 > o.opts.FailoverThreshold) || is402 || (isAuth && consecAuth > 1))

		if shouldAttemptFailover {
			if bucketHandler.TryFailover(ctx) {
				consec429 = 0
				consecAuth = 0
				delay = time.Duration(initialDelayMs) * time.Millisecond
				attempt--

				continue
			}

			emit(out, provider.StreamEvent{
				Err:  &pipelineerr.AllBucketsExhausted{LastError: attemptErr},
				Done: true,
			})

			return
		}

		shouldRetry := pipelineerr.IsRetryable(attemptErr)
		if !shouldRetry && !shouldAttemptRefreshRetry {
			emit(out, provider.StreamEvent{Err: attemptErr, Done: true})
			return
		}

		if attempt >= maxAttempts {
			if shouldAttemptRefreshRetry {
				attempt--
			} else {
				emit(out, provider.StreamEvent{Err: &pipelineerr.RetryExhausted{Attempts: attempt, LastError: attemptErr}, Done: true})
				return
			}
		}

		wait := delay

		if rl != nil && rl.RetryAfter > 0 {
			wait = rl.RetryAfter
			delay = time.Duration(initialDelayMs) * time.Millisecond
		} else {
			wait = jitter(delay)
		}

		o.opts.TrackThrottleWait(wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			emit(out, provider.StreamEvent{Err: &pipelineerr.Cancelled{Cause: ctx.Err()}, Done: true})
			return
		}

		if rl == nil || rl.RetryAfter <= 0 {
			delay *= 2
			if delay > o.opts.MaxDelay {
				delay = o.opts.MaxDelay
			}
		}
	}

	emit(out, provider.StreamEvent{Err: &pipelineerr.RetryExhausted{Attempts: attempt, LastError: lastErr}, Done: true})
}

// runOneAttempt opens one underlying stream and forwards its events to out
// until either a clean completion (returns nil) or a terminal error for
// this attempt (returned, not yet forwarded — the caller decides whether
// to retry/fail over before emitting it downstream).
func (o *Orchestrator) runOneAttempt(ctx context.Context, callOpts provider.Options, streamTimeout time.Duration, out chan<- provider.StreamEvent) error {
	ch, err := o.wrapped.GenerateChatCompletion(ctx, callOpts)
	if err != nil {
		return err
	}

	first, timedOut, waitErr := provider.FirstChunkTimeout(ctx, ch, streamTimeout)
	if waitErr != nil {
		return waitErr
	}

	if timedOut {
		return &pipelineerr.StreamTimeout{Elapsed: streamTimeout}
	}

	if first.Err != nil {
		return first.Err
	}

	emit(out, first)

	if first.Done {
		return nil
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}

			if ev.Err != nil {
				return ev.Err
			}

			emit(out, ev)

			if ev.Done {
				return nil
			}
		case <-ctx.Done():
			return &pipelineerr.Cancelled{Cause: ctx.Err()}
		}
	}
}

func emit(out chan<- provider.StreamEvent, ev provider.StreamEvent) {
	out <- ev
}

// jitter applies uniform ±30% jitter, clamped to be non-negative.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(d) + offset

	if result < 0 {
		return 0
	}

	return time.Duration(result)
}
