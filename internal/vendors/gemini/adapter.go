package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/dump"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/pipelineerr"
	"github.com/corouter-dev/corouter/internal/provider"
	"github.com/corouter-dev/corouter/internal/vendors/vendorhttp"
)

// Adapter implements provider.Provider against Gemini's
// streamGenerateContent endpoint. Gemini is a position-indexed tool
// family: no wire-level call IDs, so this adapter mints fresh canonical
// IDs for every functionCall chunk rather than consulting an IDTranslator.
type Adapter struct {
	defaultModel string
	models       []provider.ModelDescriptor
	allocate     func() string
	sink         dump.Sink
}

type Config struct {
	DefaultModel string
	Models       []provider.ModelDescriptor
	Allocate     func() string
	Sink         dump.Sink
}

func New(cfg Config) *Adapter {
	sink := cfg.Sink
	if sink == nil {
		sink = dump.NoopSink{}
	}

	return &Adapter{defaultModel: cfg.DefaultModel, models: cfg.Models, allocate: cfg.Allocate, sink: sink}
}

func (a *Adapter) Name() string                          { return "gemini" }
func (a *Adapter) GetModels() []provider.ModelDescriptor { return a.models }
func (a *Adapter) GetDefaultModel() string               { return a.defaultModel }
func (a *Adapter) GetServerTools() []string              { return nil }

func (a *Adapter) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return nil, fmt.Errorf("gemini: no server-side tools available")
}

// GenerateChatCompletion posts to opts.BaseURL, which the caller must have
// already resolved to the model-specific streamGenerateContent endpoint
// (Gemini requires the model in the URL path, not the request body).
func (a *Adapter) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	maxToolTok := opts.Ephemerals.IntOr(opts.Ephemerals.ToolOutputMaxTok, 0)
	truncateMode := opts.Ephemerals.TruncateModeOr(convert.TruncateModeTruncate)

	reqBody, err := BuildRequest(opts.Contents, opts.Tools, maxToolTok, truncateMode)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, opts.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: build http request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", opts.AuthToken)

	dumpMode := opts.Ephemerals.DumpContextOr(dump.ModeOff)

	out := make(chan provider.StreamEvent)

	go a.stream(ctx, httpReq, reqBody, dumpMode, out)

	return out, nil
}

func (a *Adapter) stream(ctx context.Context, httpReq *http.Request, reqBody any, dumpMode string, out chan<- provider.StreamEvent) {
	defer close(out)

	client := vendorhttp.BuildClient()

	resp, err := vendorhttp.Do(ctx, client, httpReq)
	if err != nil {
		classified := pipelineerr.Classify(nil, "", err)
		a.dumpEntry(reqBody, nil, classified, dumpMode)
		out <- provider.StreamEvent{Err: classified, Done: true}

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := vendorhttp.ReadErrorBody(resp)
		classified := pipelineerr.Classify(resp, body, nil)
		a.dumpEntry(reqBody, body, classified, dumpMode)
		out <- provider.StreamEvent{Err: classified, Done: true}

		return
	}

	var lastRec neutral.Record

	scanErr := vendorhttp.ScanSSE(ctx, resp.Body, func(line vendorhttp.SSELine) error {
		rec, done, err := ChunkToNeutral(line.Data, a.allocate)
		if err != nil {
			return err
		}

		lastRec = rec
		out <- provider.StreamEvent{Content: rec, Done: done}

		return nil
	})

	if scanErr != nil {
		classified := pipelineerr.Classify(nil, "", scanErr)
		a.dumpEntry(reqBody, lastRec, classified, dumpMode)
		out <- provider.StreamEvent{Err: classified, Done: true}

		return
	}

	a.dumpEntry(reqBody, lastRec, nil, dumpMode)
}

func (a *Adapter) dumpEntry(req, resp any, err error, mode string) {
	if !dump.ShouldDump(mode, err != nil) {
		return
	}

	e := dump.Entry{Provider: "gemini", Request: req, Response: resp}
	if err != nil {
		e.Error = err.Error()
	}

	_ = a.sink.Dump(e)
}
