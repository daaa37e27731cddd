package vercel

import (
	"bufio"
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

// Adapter implements provider.Provider against a Vercel AI SDK gateway
// speaking the data-stream protocol.
type Adapter struct {
	name         string
	defaultModel string
	models       []provider.ModelDescriptor
	allocate     func() string
	sink         dump.Sink
}

type Config struct {
	Name         string
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

	name := cfg.Name
	if name == "" {
		name = "vercel"
	}

	return &Adapter{name: name, defaultModel: cfg.DefaultModel, models: cfg.Models, allocate: cfg.Allocate, sink: sink}
}

func (a *Adapter) Name() string                          { return a.name }
func (a *Adapter) GetModels() []provider.ModelDescriptor { return a.models }
func (a *Adapter) GetDefaultModel() string               { return a.defaultModel }
func (a *Adapter) GetServerTools() []string              { return nil }

func (a *Adapter) InvokeServerTool(ctx context.Context, name string, params any) (any, error) {
	return nil, fmt.Errorf("%s: no server-side tools available", a.name)
}

func (a *Adapter) GenerateChatCompletion(ctx context.Context, opts provider.Options) (<-chan provider.StreamEvent, error) {
	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}

	idt := convert.NewIDTranslator(VendorIDFormat)
	maxToolTok := opts.Ephemerals.IntOr(opts.Ephemerals.ToolOutputMaxTok, 0)
	truncateMode := opts.Ephemerals.TruncateModeOr(convert.TruncateModeTruncate)

	reqBody, err := BuildRequest(model, opts.Contents, opts.Tools, idt, maxToolTok, truncateMode)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.name, err)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, opts.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build http request: %w", a.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+opts.AuthToken)

	dumpMode := opts.Ephemerals.DumpContextOr(dump.ModeOff)

	out := make(chan provider.StreamEvent)

	go a.stream(ctx, httpReq, reqBody, idt, dumpMode, out)

	return out, nil
}

func (a *Adapter) stream(ctx context.Context, httpReq *http.Request, reqBody any, idt *convert.IDTranslator, dumpMode string, out chan<- provider.StreamEvent) {
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

	st := newDecodeState()

	var lastRec neutral.Record

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			classified := pipelineerr.Classify(nil, "", err)
			a.dumpEntry(reqBody, lastRec, classified, dumpMode)
			out <- provider.StreamEvent{Err: classified, Done: true}

			return
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		rec, done, err := LineToNeutral(line, idt, a.allocate, st)
		if err != nil {
			classified := pipelineerr.Classify(nil, "", err)
			a.dumpEntry(reqBody, lastRec, classified, dumpMode)
			out <- provider.StreamEvent{Err: classified, Done: true}

			return
		}

		lastRec = rec
		out <- provider.StreamEvent{Content: rec, Done: done}

		if done {
			a.dumpEntry(reqBody, lastRec, nil, dumpMode)

			return
		}
	}

	if err := scanner.Err(); err != nil {
		classified := pipelineerr.Classify(nil, "", err)
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

	e := dump.Entry{Provider: a.name, Request: req, Response: resp}
	if err != nil {
		e.Error = err.Error()
	}

	_ = a.sink.Dump(e)
}
