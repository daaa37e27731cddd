package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// Family names one of the five wire-shape converters under
// internal/vendors/*. Several vendor names share a family: OpenRouter and
// NVIDIA NIM both speak the OpenAI Chat Completions wire shape, so they
// resolve to "openaichat" alongside OpenAI itself.
type Family string

const (
	FamilyOpenAIChat      Family = "openaichat"
	FamilyOpenAIResponses Family = "openairesponses"
	FamilyAnthropic       Family = "anthropic"
	FamilyGemini          Family = "gemini"
	FamilyVercel          Family = "vercel"
)

// domainFamily maps a known API hostname to its wire-shape family, since
// several vendor names share one wire shape.
var domainFamily = map[string]Family{
	"openrouter.ai":                     FamilyOpenAIChat,
	"api.openrouter.ai":                 FamilyOpenAIChat,
	"api.openai.com":                    FamilyOpenAIChat,
	"openai.com":                        FamilyOpenAIChat,
	"api.anthropic.com":                 FamilyAnthropic,
	"anthropic.com":                     FamilyAnthropic,
	"integrate.api.nvidia.com":          FamilyOpenAIChat,
	"api.nvidia.com":                    FamilyOpenAIChat,
	"generativelanguage.googleapis.com": FamilyGemini,
	"googleapis.com":                    FamilyGemini,
}

// nameFamily maps a configured provider name directly to a family, used
// when a provider's APIBase is a custom/self-hosted gateway (e.g. an AI
// SDK data-stream gateway) rather than one of the well-known domains
// above.
var nameFamily = map[string]Family{
	"openrouter":       FamilyOpenAIChat,
	"openai":           FamilyOpenAIChat,
	"openai-responses": FamilyOpenAIResponses,
	"anthropic":        FamilyAnthropic,
	"nvidia":           FamilyOpenAIChat,
	"gemini":           FamilyGemini,
	"vercel":           FamilyVercel,
}

// FamilyForProvider resolves a configured provider name and base URL to
// its wire-shape family. The provider name is checked first since it is
// authoritative when set to one of the known names; the base URL's domain
// is the fallback for anything else.
func FamilyForProvider(name, apiBase string) (Family, error) {
	if fam, ok := nameFamily[strings.ToLower(name)]; ok {
		return fam, nil
	}

	if apiBase == "" {
		return "", fmt.Errorf("no wire-shape family known for provider %q", name)
	}

	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("invalid API base URL for provider %q: %w", name, err)
	}

	domain := strings.ToLower(u.Hostname())
	if fam, ok := domainFamily[domain]; ok {
		return fam, nil
	}

	return "", fmt.Errorf("no wire-shape family known for domain %q (provider %q)", domain, name)
}

// Registry holds one constructed Provider per configured vendor name.
type Registry struct {
	providers      map[string]Provider
	bucketHandlers map[string]BucketHandler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider), bucketHandlers: make(map[string]BucketHandler)}
}

// Register adds a Provider under its own Name().
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get retrieves a Provider by configured name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]

	return p, ok
}

// RegisterBucketHandler attaches a BucketHandler to a provider name, so the
// HTTP front door can set it on a request's RuntimeHooks.Bucket for
// RetryOrchestrator to drive failover through.
func (r *Registry) RegisterBucketHandler(name string, h BucketHandler) {
	r.bucketHandlers[name] = h
}

// BucketHandler retrieves the BucketHandler registered for a provider name,
// if that provider was configured with at least one credential bucket.
func (r *Registry) BucketHandler(name string) (BucketHandler, bool) {
	h, ok := r.bucketHandlers[name]

	return h, ok
}

// List returns every registered provider name.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	return names
}
