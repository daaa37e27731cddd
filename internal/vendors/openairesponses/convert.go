// Package openairesponses adapts the OpenAI Responses API wire shape — an
// "input" item array with first-class function_call/function_call_output
// items carrying explicit call_id fields — to the neutral content model.
package openairesponses

import (
	"encoding/json"
	"fmt"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
)

// VendorIDFormat is this family's wire tool-call ID scheme.
const VendorIDFormat = "call_%d"

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type inputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`
}

type toolDecl struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

func role(s neutral.Speaker) string {
	switch s {
	case neutral.SpeakerAI:
		return "assistant"
	case neutral.SpeakerSystem:
		return "system"
	default:
		return "user"
	}
}

// BuildRequest converts neutral contents/tools into a Responses API
// request body (the "input" array plus top-level "tools").
func BuildRequest(model string, contents []neutral.Record, tools []provider.ToolSpec, stream bool, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) (map[string]any, error) {
	var items []inputItem

	for _, rec := range contents {
		recItems, err := recordToItems(rec, idt, maxToolOutputTokens, truncateMode)
		if err != nil {
			return nil, err
		}

		items = append(items, recItems...)
	}

	req := map[string]any{
		"model":  model,
		"input":  items,
		"stream": stream,
	}

	if len(tools) > 0 {
		req["tools"] = buildTools(tools)
	}

	return req, nil
}

func buildTools(tools []provider.ToolSpec) []toolDecl {
	out := make([]toolDecl, 0, len(tools))

	for _, t := range tools {
		out = append(out, toolDecl{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	return out
}

func recordToItems(rec neutral.Record, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) ([]inputItem, error) {
	var (
		items       []inputItem
		textContent []contentPart
	)

	textType := "input_text"
	if rec.Speaker == neutral.SpeakerAI {
		textType = "output_text"
	}

	for _, b := range rec.Blocks {
		switch b.Kind {
		case neutral.BlockText:
			if b.Text != "" {
				textContent = append(textContent, contentPart{Type: textType, Text: b.Text})
			}
		case neutral.BlockThought:
			if b.Thought != "" {
				textContent = append(textContent, contentPart{Type: textType, Text: b.Thought})
			}
		case neutral.BlockToolCall:
			args, err := convert.StableJSON(orEmpty(b.ToolParams))
			if err != nil {
				return nil, fmt.Errorf("serialize tool call arguments: %w", err)
			}

			items = append(items, inputItem{
				Type:      "function_call",
				CallID:    idt.VendorID(b.ToolCallID),
				Name:      b.ToolName,
				Arguments: args,
			})
		case neutral.BlockToolResponse:
			out, err := toolOutput(b, maxToolOutputTokens, truncateMode)
			if err != nil {
				return nil, err
			}

			items = append(items, inputItem{
				Type:   "function_call_output",
				CallID: idt.VendorID(b.ToolCallRef),
				Output: out,
			})
		}
	}

	if len(textContent) > 0 {
		msg := inputItem{Type: "message", Role: role(rec.Speaker), Content: textContent}
		items = append([]inputItem{msg}, items...)
	}

	return items, nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}

	return v
}

func toolOutput(b neutral.Block, maxToolOutputTokens int, truncateMode string) (string, error) {
	var s string

	if str, ok := b.ToolResult.(string); ok {
		s = str
	} else {
		serialized, err := convert.StableJSON(b.ToolResult)
		if err != nil {
			return "", fmt.Errorf("serialize tool result: %w", err)
		}

		s = serialized
	}

	out, _, err := convert.TruncateToolOutput(s, maxToolOutputTokens, truncateMode)

	return out, err
}

// streamEvent is the subset of Responses API SSE events this adapter
// reads: response.output_text.delta, response.function_call_arguments.delta,
// response.output_item.added (to learn a function call's name/id),
// response.completed.
type streamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
	Response struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

// decodeState remembers each function call's name by vendor call ID, plus
// the most recent call ID, to which argument deltas that carry no call ID
// are attributed.
type decodeState struct {
	nameByVendorID map[string]string
	lastCallID     string
}

func newDecodeState() *decodeState {
	return &decodeState{nameByVendorID: make(map[string]string)}
}

// EventToNeutral decodes one raw Responses API SSE "data:" payload into a
// neutral.Record delta, reporting whether the stream just finished.
func EventToNeutral(raw string, idt *convert.IDTranslator, allocate func() string, st *decodeState) (neutral.Record, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return neutral.Record{Speaker: neutral.SpeakerAI}, false, nil
	}

	rec := neutral.Record{Speaker: neutral.SpeakerAI}

	switch ev.Type {
	case "response.output_text.delta":
		rec.Blocks = append(rec.Blocks, neutral.Text(ev.Delta))
	case "response.output_item.added":
		if ev.Item.Type == "function_call" {
			st.nameByVendorID[ev.Item.CallID] = ev.Item.Name
			st.lastCallID = ev.Item.CallID

			canon := idt.CanonicalID(ev.Item.CallID, allocate)
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, ev.Item.Name, ""))
		}
	case "response.function_call_arguments.delta":
		callID := ev.Item.CallID
		if callID == "" {
			callID = st.lastCallID
		}

		canon := idt.CanonicalID(callID, allocate)
		name := st.nameByVendorID[callID]
		rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, name, ev.Delta))
	case "response.completed":
		if ev.Response.Usage != nil {
			rec.Metadata.Usage = &neutral.Usage{
				PromptTokens:     ev.Response.Usage.InputTokens,
				CompletionTokens: ev.Response.Usage.OutputTokens,
			}
		}

		rec.Metadata.FinishReason = "stop"

		return rec, true, nil
	}

	return rec, false, nil
}
