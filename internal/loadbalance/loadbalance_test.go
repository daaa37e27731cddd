package loadbalance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/config"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/pipelineerr"
	"github.com/corouter-dev/corouter/internal/provider"
)

type fakeProvider struct {
	name string
	fail bool
	err  error
}

func (f *fakeProvider) Name() string                          { return f.name }
func (f *fakeProvider) GetModels() []provider.ModelDescriptor { return nil }
func (f *fakeProvider) GetDefaultModel() string               { return "" }
func (f *fakeProvider) GetServerTools() []string              { return nil }
func (f *fakeProvider) InvokeServerTool(context.Context, string, any) (any, error) {
	return nil, nil
}

func (f *fakeProvider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 2)

	if f.fail {
		ch <- provider.StreamEvent{Err: f.err, Done: true}
		close(ch)

		return ch, nil
	}

	ch <- provider.StreamEvent{Content: neutral.Record{Blocks: []neutral.Block{neutral.Text(f.name)}}}
	ch <- provider.StreamEvent{Done: true}
	close(ch)

	return ch, nil
}

func drain(ch <-chan provider.StreamEvent) []provider.StreamEvent {
	var out []provider.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}

	return out
}

func factoryFor(providers map[string]*fakeProvider) SubProviderFactory {
	return func(sp config.SubProfile) (provider.Provider, error) {
		return providers[sp.Name], nil
	}
}

func TestFailoverStrategySkipsFailedBackend(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:     "test",
		Strategy: StrategyFailover,
		SubProfiles: []config.SubProfile{
			{Name: "a"},
			{Name: "b"},
		},
		FailoverRetryCount: 1,
	}

	providers := map[string]*fakeProvider{
		"a": {name: "a", fail: true, err: &pipelineerr.ServerError{Status: 500}},
		"b": {name: "b"},
	}

	lb := New(profile, factoryFor(providers))
	ch, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Content.Blocks[0].Text)

	stats := lb.Snapshot()
	assert.Equal(t, 1, stats["a"].Failures)
	assert.Equal(t, 1, stats["b"].Successes)
}

func TestAllCandidatesExhaustedReturnsLastError(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:               "test",
		Strategy:           StrategyFailover,
		SubProfiles:        []config.SubProfile{{Name: "a"}, {Name: "b"}},
		FailoverRetryCount: 1,
	}

	providers := map[string]*fakeProvider{
		"a": {name: "a", fail: true, err: &pipelineerr.ServerError{Status: 500}},
		"b": {name: "b", fail: true, err: &pipelineerr.ServerError{Status: 502}},
	}

	lb := New(profile, factoryFor(providers))
	_, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.Error(t, err)
}

func TestRoundRobinRotatesOnSuccess(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:        "test",
		Strategy:    StrategyRoundRobin,
		SubProfiles: []config.SubProfile{{Name: "a"}, {Name: "b"}},
	}

	providers := map[string]*fakeProvider{
		"a": {name: "a"},
		"b": {name: "b"},
	}

	lb := New(profile, factoryFor(providers))

	first, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)
	firstEvents := drain(first)
	assert.Equal(t, "a", firstEvents[0].Content.Blocks[0].Text)

	second, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)
	secondEvents := drain(second)
	assert.Equal(t, "b", secondEvents[0].Content.Blocks[0].Text)
}

func TestHealthAwareOrdersByConsecutiveFailures(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:               "test",
		Strategy:           StrategyHealthAware,
		SubProfiles:        []config.SubProfile{{Name: "a"}, {Name: "b"}},
		FailoverRetryCount: 1,
	}

	providers := map[string]*fakeProvider{
		"a": {name: "a", fail: true, err: &pipelineerr.ServerError{Status: 500}},
		"b": {name: "b"},
	}

	lb := New(profile, factoryFor(providers))

	// First call: "a" fails, falls through to "b" which succeeds; "a"
	// accrues a consecutive failure.
	ch, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)
	drain(ch)

	assert.Equal(t, 1, lb.Snapshot()["a"].ConsecutiveFailures)

	// Second call: health-aware ordering should now prefer "b" first since
	// it has fewer consecutive failures, avoiding "a" entirely when
	// FailoverRetryCount allows only one fallback attempt... but here both
	// candidates are tried in order, so "b" (healthier) goes first.
	ch2, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)
	events := drain(ch2)
	assert.Equal(t, "b", events[0].Content.Blocks[0].Text)
}

func TestWeightedDistributesByWeight(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:     "test",
		Strategy: StrategyWeighted,
		SubProfiles: []config.SubProfile{
			{Name: "heavy", Weight: 3},
			{Name: "light", Weight: 1},
		},
	}

	providers := map[string]*fakeProvider{
		"heavy": {name: "heavy"},
		"light": {name: "light"},
	}

	lb := New(profile, factoryFor(providers))

	counts := map[string]int{}

	for i := 0; i < 8; i++ {
		ch, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
		require.NoError(t, err)
		events := drain(ch)
		counts[events[0].Content.Blocks[0].Text]++
	}

	assert.Greater(t, counts["heavy"], counts["light"])
}

func TestStreamTimeoutFromSlowBackendTriggersFailover(t *testing.T) {
	profile := config.LoadBalanceProfile{
		Name:               "test",
		Strategy:           StrategyFailover,
		SubProfiles:        []config.SubProfile{{Name: "slow"}, {Name: "fast"}},
		FailoverRetryCount: 1,
		EphemeralDefaults:  config.EphemeralDefaults{StreamTimeoutMs: 5},
	}

	providers := map[string]*fakeProvider{
		"fast": {name: "fast"},
	}

	factory := func(sp config.SubProfile) (provider.Provider, error) {
		if sp.Name == "slow" {
			return &slowFakeProvider{delay: 50 * time.Millisecond}, nil
		}

		return providers[sp.Name], nil
	}

	lb := New(profile, factory)
	ch, err := lb.GenerateChatCompletion(context.Background(), provider.Options{})
	require.NoError(t, err)

	events := drain(ch)
	assert.Equal(t, "fast", events[0].Content.Blocks[0].Text)
}

type slowFakeProvider struct {
	delay time.Duration
}

func (s *slowFakeProvider) Name() string                          { return "slow" }
func (s *slowFakeProvider) GetModels() []provider.ModelDescriptor { return nil }
func (s *slowFakeProvider) GetDefaultModel() string               { return "" }
func (s *slowFakeProvider) GetServerTools() []string              { return nil }
func (s *slowFakeProvider) InvokeServerTool(context.Context, string, any) (any, error) {
	return nil, nil
}

func (s *slowFakeProvider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent)

	go func() {
		time.Sleep(s.delay)
		ch <- provider.StreamEvent{Done: true}
		close(ch)
	}()

	return ch, nil
}
