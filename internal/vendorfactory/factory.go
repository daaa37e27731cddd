// Package vendorfactory constructs internal/vendors/* adapters from
// on-disk config and assembles the registry → retry → load-balance
// pipeline: a config-driven build step over the streaming
// provider.Provider adapters, rather than one hardcoded transform-adapter
// per vendor.
package vendorfactory

import (
	"context"
	"fmt"
	"time"

	"github.com/corouter-dev/corouter/internal/bucket"
	"github.com/corouter-dev/corouter/internal/config"
	"github.com/corouter-dev/corouter/internal/dump"
	"github.com/corouter-dev/corouter/internal/loadbalance"
	"github.com/corouter-dev/corouter/internal/provider"
	"github.com/corouter-dev/corouter/internal/retry"
	"github.com/corouter-dev/corouter/internal/vendors/anthropic"
	"github.com/corouter-dev/corouter/internal/vendors/gemini"
	"github.com/corouter-dev/corouter/internal/vendors/openaichat"
	"github.com/corouter-dev/corouter/internal/vendors/openairesponses"
	"github.com/corouter-dev/corouter/internal/vendors/vercel"
)

// Deps bundles the cross-cutting collaborators every constructed adapter
// needs: the canonical tool-call ID allocator (history.Service) and the
// request/response dump sink.
type Deps struct {
	Allocate func() string
	Sink     dump.Sink
}

// Build constructs a provider.Registry wrapping every configured vendor in
// a retry.Orchestrator, plus a loadbalance.Provider for each configured
// LoadBalanceProfile.
func Build(cfg *config.Config, deps Deps) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	for _, p := range cfg.Providers {
		adapter, err := buildAdapter(p, deps)
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", p.Name, err)
		}

		// A provider with one or more credential buckets gets its calls
		// rebound to whichever bucket is current, and a BucketHandler the
		// HTTP front door attaches to each request's RuntimeHooks so
		// RetryOrchestrator can drive failover across them.
		if len(p.Buckets) > 0 {
			controller := bucket.New(p.Buckets, bucket.DefaultCooldown)
			adapter = &bucketBoundProvider{inner: adapter, controller: controller}
			reg.RegisterBucketHandler(p.Name, &bucket.Handler{Controller: controller})
		}

		wrapped := retry.New(adapter, retry.Options{
			MaxAttempts:       cfg.EphemeralDefaults.Retries,
			InitialDelay:      msDuration(cfg.EphemeralDefaults.RetryWaitMs),
			StreamingTimeout:  msDuration(cfg.EphemeralDefaults.StreamTimeoutMs),
			FailoverThreshold: retry.DefaultFailoverThresh,
		})

		reg.Register(wrapped)
	}

	for _, lbProfile := range cfg.LoadBalanceProfiles {
		factory := subProviderFactory(reg, cfg)

		lb := loadbalance.New(lbProfile, factory)
		reg.Register(lb)
	}

	return reg, nil
}

// subProviderFactory resolves a config.SubProfile (a "provider,bucket"
// reference) to the already-registered Provider for that vendor, bound to
// that sub-profile's bucket credentials, endpoint, and model.
func subProviderFactory(reg *provider.Registry, cfg *config.Config) loadbalance.SubProviderFactory {
	return func(sp config.SubProfile) (provider.Provider, error) {
		p, ok := reg.Get(sp.Provider)
		if !ok {
			return nil, fmt.Errorf("sub-profile %q references unknown provider %q", sp.Name, sp.Provider)
		}

		bucket, ok := cfg.FindBucketSource(sp.Provider, sp.Bucket)
		if !ok {
			return nil, fmt.Errorf("sub-profile %q references unknown bucket %q on provider %q", sp.Name, sp.Bucket, sp.Provider)
		}

		model := sp.Model
		if model == "" {
			model = bucket.Model
		}

		return &boundProvider{inner: p, baseURL: bucket.APIBase, authToken: bucket.APIKey, model: model}, nil
	}
}

// boundProvider pins a sub-profile's bucket credentials/endpoint/model
// onto every call, so the shared registry Provider can be reused across
// many load-balance sub-profiles without each call overwriting another's
// in-flight credentials.
type boundProvider struct {
	inner     provider.Provider
	baseURL   string
	authToken string
	model     string
}

func (b *boundProvider) Name() string                          { return b.inner.Name() }
func (b *boundProvider) GetModels() []provider.ModelDescriptor { return b.inner.GetModels() }
func (b *boundProvider) GetDefaultModel() string               { return b.inner.GetDefaultModel() }
func (b *boundProvider) GetServerTools() []string              { return b.inner.GetServerTools() }

func (b *boundProvider) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return b.inner.InvokeServerTool(ctx, name, params)
}

func (b *boundProvider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	if b.baseURL != "" {
		opts.BaseURL = b.baseURL
	}

	if b.authToken != "" {
		opts.AuthToken = b.authToken
	}

	if b.model != "" {
		opts.Model = b.model
	}

	return b.inner.GenerateChatCompletion(ctx, opts)
}

// bucketBoundProvider rebinds each call's credentials/endpoint/model to
// whichever bucket its Controller currently considers active, so that when
// RetryOrchestrator drives the Controller through TryFailover between
// attempts, the very next GenerateChatCompletion call lands on the new
// bucket without the caller needing to know a failover happened.
type bucketBoundProvider struct {
	inner      provider.Provider
	controller *bucket.Controller
}

func (b *bucketBoundProvider) Name() string                         { return b.inner.Name() }
func (b *bucketBoundProvider) GetModels() []provider.ModelDescriptor { return b.inner.GetModels() }
func (b *bucketBoundProvider) GetDefaultModel() string               { return b.inner.GetDefaultModel() }
func (b *bucketBoundProvider) GetServerTools() []string              { return b.inner.GetServerTools() }

func (b *bucketBoundProvider) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return b.inner.InvokeServerTool(ctx, name, params)
}

func (b *bucketBoundProvider) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	if cur, ok := b.controller.GetCurrent(); ok {
		if cur.APIBase != "" {
			opts.BaseURL = cur.APIBase
		}

		if cur.APIKey != "" {
			opts.AuthToken = cur.APIKey
		}

		if cur.Model != "" {
			opts.Model = cur.Model
		}
	}

	return b.inner.GenerateChatCompletion(ctx, opts)
}

func buildAdapter(p config.Provider, deps Deps) (provider.Provider, error) {
	fam, err := provider.FamilyForProvider(p.Name, p.APIBase)
	if err != nil {
		return nil, err
	}

	models := make([]provider.ModelDescriptor, 0, len(p.DefaultModels))
	for _, m := range p.DefaultModels {
		models = append(models, provider.ModelDescriptor{ID: m})
	}

	defaultModel := ""
	if len(p.DefaultModels) > 0 {
		defaultModel = p.DefaultModels[0]
	}

	switch fam {
	case provider.FamilyOpenAIChat:
		return openaichat.New(openaichat.Config{
			Name:         p.Name,
			DefaultModel: defaultModel,
			Models:       models,
			Allocate:     deps.Allocate,
			Sink:         deps.Sink,
		}), nil
	case provider.FamilyOpenAIResponses:
		return openairesponses.New(openairesponses.Config{
			Name:         p.Name,
			DefaultModel: defaultModel,
			Models:       models,
			Allocate:     deps.Allocate,
			Sink:         deps.Sink,
		}), nil
	case provider.FamilyAnthropic:
		return anthropic.New(anthropic.Config{
			DefaultModel: defaultModel,
			Models:       models,
			Allocate:     deps.Allocate,
			Sink:         deps.Sink,
		}), nil
	case provider.FamilyGemini:
		return gemini.New(gemini.Config{
			DefaultModel: defaultModel,
			Models:       models,
			Allocate:     deps.Allocate,
			Sink:         deps.Sink,
		}), nil
	case provider.FamilyVercel:
		return vercel.New(vercel.Config{
			Name:         p.Name,
			DefaultModel: defaultModel,
			Models:       models,
			Allocate:     deps.Allocate,
			Sink:         deps.Sink,
		}), nil
	default:
		return nil, fmt.Errorf("unhandled wire-shape family %q", fam)
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
