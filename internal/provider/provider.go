// Package provider defines the uniform async-stream surface every backend
// adapter, the RetryOrchestrator, and the LoadBalancingProvider implement
// and consume.
package provider

import (
	"context"
	"time"

	"github.com/corouter-dev/corouter/internal/neutral"
)

// ModelDescriptor describes one model a Provider can serve.
type ModelDescriptor struct {
	ID          string
	DisplayName string
	ContextSize int
}

// Ephemerals are per-invocation overrides of the RetryOrchestrator/adapter
// defaults. Pointer fields distinguish "unset" from "zero".
type Ephemerals struct {
	Retries                *int
	RetryWaitMs            *int
	StreamTimeoutMs        *int
	ToolOutputMaxTok       *int
	ToolOutputTruncateMode *string // truncate|error
	DumpContext            *string // off|on|error|now
}

// IntOr returns *p if set, else def.
func (e Ephemerals) IntOr(p *int, def int) int {
	if p == nil {
		return def
	}

	return *p
}

// DumpContextOr returns the dump-context mode if set, else def.
func (e Ephemerals) DumpContextOr(def string) string {
	if e.DumpContext == nil {
		return def
	}

	return *e.DumpContext
}

// TruncateModeOr returns the tool-output-truncate-mode if set, else def.
func (e Ephemerals) TruncateModeOr(def string) string {
	if e.ToolOutputTruncateMode == nil {
		return def
	}

	return *e.ToolOutputTruncateMode
}

// BucketHandler lets a Provider ask its owner (usually a RetryOrchestrator)
// to advance to the next credential bucket on quota/auth/payment failure.
// It is resolved from runtime context, not stored on the Provider itself.
type BucketHandler interface {
	TryFailover(ctx context.Context) (advanced bool)
}

// RuntimeHooks carries accessors resolved per-call rather than baked into
// a Provider at construction time.
type RuntimeHooks struct {
	Bucket BucketHandler
}

// Options bundles one generateChatCompletion call's inputs.
type Options struct {
	Contents   []neutral.Record
	Tools      []ToolSpec
	Model      string
	AuthToken  string
	BaseURL    string
	Ephemerals Ephemerals
	Hooks      RuntimeHooks
}

// ToolSpec is a provider-agnostic tool declaration offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any // JSON-schema-shaped
}

// StreamEvent is one element of the stream a Provider yields. Exactly one
// of Content or Err is meaningful per event; a final event with Err set
// terminates the stream. Content deltas are additive — callers assemble by
// concatenation within matching block identity, never by overwrite.
type StreamEvent struct {
	Content neutral.Record
	Err     error
	Done    bool
}

// Provider is the uniform surface every backend adapter, the
// RetryOrchestrator, and the LoadBalancingProvider all implement.
type Provider interface {
	// Name identifies the provider for registry lookups and LB/retry
	// detection-by-convention.
	Name() string

	// GenerateChatCompletion opens a streaming completion. The returned
	// channel is closed after the final event (success or error) is sent.
	// A non-nil error return means setup failed before any network I/O;
	// otherwise errors surface through the channel's final StreamEvent.
	GenerateChatCompletion(ctx context.Context, opts Options) (<-chan StreamEvent, error)

	GetModels() []ModelDescriptor
	GetDefaultModel() string
	GetServerTools() []string
	InvokeServerTool(ctx context.Context, name string, params any) (any, error)
}

// LoadBalancer is implemented by providers that perform their own
// failover/retry (LoadBalancingProvider). RetryOrchestrator checks this
// via a type-assertion on each call and passes the call straight through,
// so it doesn't double-retry
// a balancer that already owns failover across its members.
type LoadBalancer interface {
	Provider
	IsLoadBalancer() bool
}

// FirstChunkTimeout races ctx and a stream-timeout duration against the
// arrival of the first event on ch. It returns the first event observed
// (which may itself carry Err), or, if the timer fires first, a zero event
// with timedOut=true and a nil error; building the StreamTimeout error is
// left to the caller.
//
// After the first event is observed, callers should stop invoking this
// helper and instead range over ch directly — no further timeout applies.
func FirstChunkTimeout(ctx context.Context, ch <-chan StreamEvent, timeout time.Duration) (StreamEvent, bool, error) {
	if timeout <= 0 {
		select {
		case ev, ok := <-ch:
			if !ok {
				return StreamEvent{}, false, nil
			}

			return ev, false, nil
		case <-ctx.Done():
			return StreamEvent{}, false, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			return StreamEvent{}, false, nil
		}

		return ev, false, nil
	case <-timer.C:
		return StreamEvent{}, true, nil
	case <-ctx.Done():
		return StreamEvent{}, false, ctx.Err()
	}
}
