package retry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/pipelineerr"
	"github.com/corouter-dev/corouter/internal/provider"
)

// scriptedProvider returns one scripted response per call to
// GenerateChatCompletion, in order, and records how many times it was called.
type scriptedProvider struct {
	responses []func() (<-chan provider.StreamEvent, error)
	calls     int
}

func (s *scriptedProvider) Name() string                          { return "scripted" }
func (s *scriptedProvider) GetModels() []provider.ModelDescriptor { return nil }
func (s *scriptedProvider) GetDefaultModel() string               { return "" }
func (s *scriptedProvider) GetServerTools() []string              { return nil }
func (s *scriptedProvider) InvokeServerTool(context.Context, string, any) (any, error) {
	return nil, nil
}

func (s *scriptedProvider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	idx := s.calls
	s.calls++

	if idx >= len(s.responses) {
		panic("scriptedProvider: ran out of scripted responses")
	}

	return s.responses[idx]()
}

func successStream(text string) func() (<-chan provider.StreamEvent, error) {
	return func() (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 2)
		ch <- provider.StreamEvent{Content: neutral.Record{Blocks: []neutral.Block{neutral.Text(text)}}}
		ch <- provider.StreamEvent{Done: true}
		close(ch)

		return ch, nil
	}
}

func errorStream(err error) func() (<-chan provider.StreamEvent, error) {
	return func() (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 1)
		ch <- provider.StreamEvent{Err: err, Done: true}
		close(ch)

		return ch, nil
	}
}

func drain(ch <-chan provider.StreamEvent) []provider.StreamEvent {
	var out []provider.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}

	return out
}

func TestOrchestratorSucceedsOnFirstAttempt(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){successStream("hi")}}
	o := New(sp, Options{InitialDelay: time.Millisecond})

	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.NoError(t, events[0].Err)
	assert.True(t, events[1].Done)
	assert.Equal(t, 1, sp.calls)
}

func TestOrchestratorRetriesServerErrorThenSucceeds(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){
		errorStream(&pipelineerr.ServerError{Status: 500}),
		successStream("recovered"),
	}}
	o := New(sp, Options{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, 2, sp.calls)
}

func TestOrchestratorDoesNotRetryBadRequest(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){
		errorStream(&pipelineerr.BadRequest{Status: 400}),
	}}
	o := New(sp, Options{InitialDelay: time.Millisecond})

	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 1)
	require.Error(t, events[0].Err)
	assert.IsType(t, &pipelineerr.BadRequest{}, events[0].Err)
	assert.Equal(t, 1, sp.calls)
}

func TestOrchestratorRetryExhaustedAfterMaxAttempts(t *testing.T) {
	responses := make([]func() (<-chan provider.StreamEvent, error), 3)
	for i := range responses {
		responses[i] = errorStream(&pipelineerr.ServerError{Status: 503})
	}

	sp := &scriptedProvider{responses: responses}
	o := New(sp, Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 1)

	var exhausted *pipelineerr.RetryExhausted
	require.ErrorAs(t, events[0].Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, sp.calls)
}

func TestOrchestratorUsesRetryAfterHeader(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){
		errorStream(&pipelineerr.RateLimited{Status: 429, RetryAfter: 5 * time.Millisecond}),
		successStream("ok"),
	}}

	tracked := make([]time.Duration, 0)
	o := New(sp, Options{
		InitialDelay:      time.Second, // would be much longer without Retry-After
		TrackThrottleWait: func(d time.Duration) { tracked = append(tracked, d) },
	})

	start := time.Now()
	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	drain(ch)
	elapsed := time.Since(start)

	require.Len(t, tracked, 1)
	assert.Equal(t, 5*time.Millisecond, tracked[0])
	assert.Less(t, elapsed, 500*time.Millisecond)
}

type failoverHandler struct {
	calls    int
	succeeds bool
}

func (f *failoverHandler) TryFailover(ctx context.Context) bool {
	f.calls++
	return f.succeeds
}

func TestOrchestratorFailsOverOnPaymentRequired(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){
		errorStream(&pipelineerr.PaymentRequired{Status: 402}),
		successStream("new bucket"),
	}}
	fh := &failoverHandler{succeeds: true}

	o := New(sp, Options{InitialDelay: time.Millisecond})
	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{Hooks: provider.RuntimeHooks{Bucket: fh}})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, 1, fh.calls)
	assert.Equal(t, 2, sp.calls)
}

func TestOrchestratorAllBucketsExhausted(t *testing.T) {
	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){
		errorStream(&pipelineerr.PaymentRequired{Status: 402}),
	}}
	fh := &failoverHandler{succeeds: false}

	o := New(sp, Options{InitialDelay: time.Millisecond})
	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{Hooks: provider.RuntimeHooks{Bucket: fh}})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 1)

	var exhausted *pipelineerr.AllBucketsExhausted
	require.ErrorAs(t, events[0].Err, &exhausted)
}

func TestOrchestratorStreamTimeoutOnSlowFirstChunk(t *testing.T) {
	slow := func() (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent)
		go func() {
			time.Sleep(50 * time.Millisecond)
			ch <- provider.StreamEvent{Done: true}
			close(ch)
		}()

		return ch, nil
	}

	sp := &scriptedProvider{responses: []func() (<-chan provider.StreamEvent, error){slow, successStream("ok")}}
	o := New(sp, Options{InitialDelay: time.Millisecond, StreamingTimeout: 5 * time.Millisecond})

	ch, err := o.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, 2, sp.calls)
}

func TestOrchestratorPreCheckCancellation(t *testing.T) {
	sp := &scriptedProvider{}
	o := New(sp, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.GenerateChatCompletion(ctx, provider.Options{})
	var cancelled *pipelineerr.Cancelled
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 0, sp.calls)
}

func TestClassifyIntegrationRateLimitedStatus(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	err := pipelineerr.Classify(resp, "slow down", nil)
	assert.IsType(t, &pipelineerr.RateLimited{}, err)
}
