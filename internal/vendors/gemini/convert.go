// Package gemini adapts the Gemini generateContent wire shape — a
// position-indexed tool family with no wire-level call IDs — to the
// neutral content model.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
)

type part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResult `json:"functionResponse,omitempty"`
	InlineData       *inlineData     `json:"inlineData,omitempty"`
}

type functionCall struct {
	Name string `json:"name"`
	Args any    `json:"args,omitempty"`
}

type functionResult struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type functionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

func role(s neutral.Speaker) string {
	if s == neutral.SpeakerAI {
		return "model"
	}

	return "user"
}

// BuildRequest converts neutral contents/tools into a Gemini
// generateContent request body. Tool calls/results carry no wire IDs;
// matching across a turn relies on name + ordering, the vendor's own
// convention (functionResponse has no explicit call reference either).
func BuildRequest(contents []neutral.Record, tools []provider.ToolSpec, maxToolOutputTokens int, truncateMode string) (map[string]any, error) {
	var geminiContents []geminiContent

	for _, rec := range contents {
		if rec.Speaker == neutral.SpeakerSystem {
			continue // lifted separately by the caller into systemInstruction
		}

		gc, err := recordToContent(rec, maxToolOutputTokens, truncateMode)
		if err != nil {
			return nil, err
		}

		if len(gc.Parts) > 0 {
			geminiContents = append(geminiContents, gc)
		}
	}

	req := map[string]any{"contents": geminiContents}

	if system := systemInstruction(contents); system != "" {
		req["systemInstruction"] = geminiContent{Role: "user", Parts: []part{{Text: system}}}
	}

	if len(tools) > 0 {
		req["tools"] = buildTools(tools)
	}

	return req, nil
}

func systemInstruction(contents []neutral.Record) string {
	var s string

	for _, rec := range contents {
		if rec.Speaker != neutral.SpeakerSystem {
			continue
		}

		for _, b := range rec.Blocks {
			if b.Kind == neutral.BlockText {
				s += b.Text
			}
		}
	}

	return s
}

func recordToContent(rec neutral.Record, maxToolOutputTokens int, truncateMode string) (geminiContent, error) {
	gc := geminiContent{Role: role(rec.Speaker)}

	for _, b := range rec.Blocks {
		switch b.Kind {
		case neutral.BlockText:
			if b.Text != "" {
				gc.Parts = append(gc.Parts, part{Text: b.Text})
			}
		case neutral.BlockThought:
			if b.Thought != "" {
				gc.Parts = append(gc.Parts, part{Text: b.Thought})
			}
		case neutral.BlockToolCall:
			gc.Parts = append(gc.Parts, part{FunctionCall: &functionCall{Name: b.ToolName, Args: orEmpty(b.ToolParams)}})
		case neutral.BlockToolResponse:
			resp, err := toolResultResponse(b, maxToolOutputTokens, truncateMode)
			if err != nil {
				return gc, err
			}

			gc.Parts = append(gc.Parts, part{FunctionResponse: &functionResult{Name: b.ToolName, Response: resp}})
		}
	}

	return gc, nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}

	return v
}

func toolResultResponse(b neutral.Block, maxToolOutputTokens int, truncateMode string) (any, error) {
	if str, ok := b.ToolResult.(string); ok {
		out, _, err := convert.TruncateToolOutput(str, maxToolOutputTokens, truncateMode)
		if err != nil {
			return nil, err
		}

		return map[string]any{"result": out}, nil
	}

	return b.ToolResult, nil
}

func buildTools(tools []provider.ToolSpec) []geminiTool {
	decls := make([]functionDecl, 0, len(tools))

	for _, t := range tools {
		decls = append(decls, functionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  uppercaseSchemaTypes(t.Parameters),
		})
	}

	return []geminiTool{{FunctionDeclarations: decls}}
}

// uppercaseSchemaTypes converts an OpenAPI-shaped JSON schema into Gemini's
// expected schema, whose "type" values are upper-cased enum strings
// (STRING, OBJECT, ...) rather than OpenAPI's lowercase convention.
func uppercaseSchemaTypes(schema any) any {
	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	out := make(map[string]any, len(m))

	for k, v := range m {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				out[k] = strings.ToUpper(s)
				continue
			}

			out[k] = v
		case "properties":
			if props, ok := v.(map[string]any); ok {
				converted := make(map[string]any, len(props))
				for pk, pv := range props {
					converted[pk] = uppercaseSchemaTypes(pv)
				}

				out[k] = converted
				continue
			}

			out[k] = v
		case "items":
			out[k] = uppercaseSchemaTypes(v)
		default:
			out[k] = v
		}
	}

	return out
}

// streamChunk is the subset of a Gemini generateContent streaming response
// this adapter reads.
type streamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ChunkToNeutral decodes one raw Gemini streaming JSON chunk into a
// neutral.Record delta. Every functionCall part mints a fresh canonical
// tool-call ID via allocate, since Gemini never assigns one itself.
func ChunkToNeutral(raw string, allocate func() string) (neutral.Record, bool, error) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return neutral.Record{Speaker: neutral.SpeakerAI}, false, nil
	}

	rec := neutral.Record{Speaker: neutral.SpeakerAI}

	if chunk.UsageMetadata != nil {
		rec.Metadata.Usage = &neutral.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}

	done := false

	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]

		for _, p := range cand.Content.Parts {
			switch {
			case p.Text != "":
				rec.Blocks = append(rec.Blocks, neutral.Text(p.Text))
			case p.FunctionCall != nil:
				canon := allocate()
				rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, p.FunctionCall.Name, p.FunctionCall.Args))
			}
		}

		if cand.FinishReason != "" {
			rec.Metadata.FinishReason = cand.FinishReason
			done = true
		}
	}

	return rec, done, nil
}

// PendingCall tracks an unresponded tool-call surfaced within the current
// decode scope, for position-indexed functionResponse matching.
type PendingCall struct {
	CanonicalID string
	Name        string
}

// DecodeContent converts one full Gemini content (role+parts) — as found
// in stored/replayed history rather than a live stream delta — into a
// neutral.Record. functionResponse parts carry no call reference, so they
// are matched to the most recent unresponded PendingCall with the same
// function name (falling back to the oldest unresponded call of any name).
func DecodeContent(raw map[string]any, pending *[]PendingCall, allocate func() string) (neutral.Record, error) {
	var gc geminiContent

	b, err := json.Marshal(raw)
	if err != nil {
		return neutral.Record{}, nil //nolint:nilerr // converters never throw on malformed input
	}

	if err := json.Unmarshal(b, &gc); err != nil {
		return neutral.Record{}, nil //nolint:nilerr
	}

	speaker := neutral.SpeakerHuman
	if gc.Role == "model" {
		speaker = neutral.SpeakerAI
	}

	rec := neutral.Record{Speaker: speaker}

	for _, p := range gc.Parts {
		switch {
		case p.Text != "":
			rec.Blocks = append(rec.Blocks, neutral.Text(p.Text))
		case p.FunctionCall != nil:
			canon := allocate()
			*pending = append(*pending, PendingCall{CanonicalID: canon, Name: p.FunctionCall.Name})
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, p.FunctionCall.Name, p.FunctionCall.Args))
		case p.FunctionResponse != nil:
			call, ok := popMatchingPending(pending, p.FunctionResponse.Name)
			if !ok {
				continue // no unresponded call to attach this result to; drop per best-effort policy
			}

			rec.Blocks = append(rec.Blocks, neutral.ToolResponse(call.CanonicalID, call.Name, p.FunctionResponse.Response, ""))
		}
	}

	return rec, nil
}

func popMatchingPending(pending *[]PendingCall, name string) (PendingCall, bool) {
	calls := *pending

	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Name == name {
			call := calls[i]
			*pending = append(calls[:i], calls[i+1:]...)

			return call, true
		}
	}

	if len(calls) > 0 {
		call := calls[0]
		*pending = calls[1:]

		return call, true
	}

	return PendingCall{}, false
}
