package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/corouter-dev/corouter/internal/config"
	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/history"
	"github.com/corouter-dev/corouter/internal/provider"
	"github.com/corouter-dev/corouter/internal/vendors/anthropic"
)

// ProxyHandler accepts Anthropic Messages API requests from the CLI
// client, decodes them into the neutral content model, dispatches to the
// configured provider/load-balance pipeline, and re-encodes the resulting
// stream back into Anthropic-shaped SSE: a decode -> route ->
// Provider.GenerateChatCompletion -> encode pipeline built on the packages
// under internal/{neutral,history,provider,vendors}.
type ProxyHandler struct {
	config   *config.Manager
	registry *provider.Registry
	logger   *slog.Logger
}

func NewProxyHandler(cfg *config.Manager, registry *provider.Registry, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{config: cfg, registry: registry, logger: logger}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	inputTokens := countTokens(string(body))
	requestedModel := peekModel(body)
	route := h.resolveRoute(requestedModel, inputTokens, &cfg.Router)

	svc := history.New()

	contents, tools, _, maxTokens, clientIDT, err := anthropic.DecodeClientRequest(body, svc.AllocateToolCallID)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to decode request: %v", err)
		return
	}

	for _, rec := range contents {
		svc.Append(rec)
	}

	providerName, model := splitRoute(route)

	p, ok := h.registry.Get(providerName)
	if !ok {
		h.httpError(w, http.StatusBadRequest, "provider %q not configured", providerName)
		return
	}

	opts := provider.Options{
		Contents:   svc.Curated(),
		Tools:      tools,
		Model:      model,
		Ephemerals: ephemeralsFromHeaders(r),
	}

	if opts.Model == "" {
		opts.Model = p.GetDefaultModel()
	}

	if bucketSrc, hasBucket := cfg.FindBucketSource(providerName, ""); hasBucket {
		opts.AuthToken = bucketSrc.APIKey
		opts.BaseURL = bucketSrc.APIBase
	}

	// When the provider has one or more credential buckets configured,
	// vendorfactory.Build registers a BucketHandler that rebinds the
	// bucket on failover; attach it so RetryOrchestrator can drive
	// TryFailover on persistent 429/402/401 responses.
	if bh, ok := h.registry.BucketHandler(providerName); ok {
		opts.Hooks.Bucket = bh
	}

	h.logger.Info("dispatching chat completion",
		"provider", providerName, "model", opts.Model, "input_tokens", inputTokens, "max_tokens", maxTokens)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := p.GenerateChatCompletion(ctx, opts)
	if err != nil {
		h.httpError(w, http.StatusBadGateway, "upstream dispatch failed: %v", err)
		return
	}

	h.streamAnthropicSSE(w, ch, clientIDT, opts.Model)
}

// streamAnthropicSSE re-encodes the provider's neutral event stream into
// Anthropic-shaped SSE frames and flushes them to the client as they
// arrive, without rebuffering.
func (h *ProxyHandler) streamAnthropicSSE(w http.ResponseWriter, ch <-chan provider.StreamEvent, idt *convert.IDTranslator, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	messageID := "msg_" + uuid.New().String()
	st := anthropic.NewSSEEncodeState()

	for ev := range ch {
		if ev.Err != nil {
			h.logger.Error("stream error", "error", ev.Err)

			frame := fmt.Sprintf("event: error\ndata: {\"type\":\"error\",\"error\":{\"message\":%q}}\n\n", ev.Err.Error())
			_, _ = io.WriteString(w, frame)

			if flusher != nil {
				flusher.Flush()
			}

			return
		}

		frames, err := anthropic.EncodeSSE(ev.Content, ev.Done, idt, messageID, model, st)
		if err != nil {
			h.logger.Error("encode error", "error", err)
			return
		}

		if _, err := w.Write(frames); err != nil {
			return
		}

		if flusher != nil {
			flusher.Flush()
		}

		if ev.Done {
			return
		}
	}
}

func (h *ProxyHandler) httpError(w http.ResponseWriter, status int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.logger.Error("proxy error", "status", status, "message", msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": msg},
	})
}

// resolveRoute applies the router config's automatic selection rules
// (long-context/background/think/websearch fallbacks), grounded in the
// teacher's selectModel, generalized to work over a neutral token count
// instead of a raw Anthropic request body.
func (h *ProxyHandler) resolveRoute(requestedModel string, inputTokens int, rc *config.RouterConfig) string {
	if requestedModel != "" {
		if strings.Contains(requestedModel, ",") {
			return requestedModel
		}

		switch {
		case inputTokens > 60000 && rc.LongContext != "":
			return rc.LongContext
		case strings.HasPrefix(requestedModel, "claude-3-5-haiku") && rc.Background != "":
			return rc.Background
		case rc.Think != "":
			return rc.Think
		case rc.WebSearch != "":
			return rc.WebSearch
		default:
			return requestedModel
		}
	}

	return rc.Default
}

func splitRoute(route string) (providerName, model string) {
	parts := strings.SplitN(route, ",", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}

	return route, ""
}

func peekModel(body []byte) string {
	var m struct {
		Model string `json:"model"`
	}

	_ = json.Unmarshal(body, &m)

	return m.Model
}

func countTokens(text string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}

	return len(tke.Encode(text, nil, nil))
}

// ephemeralsFromHeaders reads the per-call ephemeral option bag from
// per-request HTTP headers, alongside the Authorization/X-API-Key headers
// already read per request.
func ephemeralsFromHeaders(r *http.Request) provider.Ephemerals {
	var e provider.Ephemerals

	if v := r.Header.Get("X-Cor-Retries"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.Retries = &n
		}
	}

	if v := r.Header.Get("X-Cor-Retrywait"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.RetryWaitMs = &n
		}
	}

	if v := r.Header.Get("X-Cor-Streamtimeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.StreamTimeoutMs = &n
		}
	}

	if v := r.Header.Get("X-Cor-Toolmaxtok"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.ToolOutputMaxTok = &n
		}
	}

	if v := r.Header.Get("X-Cor-Toolmode"); v == convert.TruncateModeTruncate || v == convert.TruncateModeError {
		e.ToolOutputTruncateMode = &v
	}

	if v := r.Header.Get("X-Cor-Dumpcontext"); v != "" {
		e.DumpContext = &v
	}

	return e
}
