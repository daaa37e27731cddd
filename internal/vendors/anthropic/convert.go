// Package anthropic adapts the Anthropic Messages wire shape (explicit
// tool-call IDs, toolu_N scheme; tool results ride inside user-role content
// blocks) to the neutral content model.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
)

// VendorIDFormat is this family's wire tool-call ID scheme.
const VendorIDFormat = "toolu_%d"

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type toolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// BuildRequest converts neutral contents into an Anthropic Messages request
// body. A leading system record (if any) is lifted to the top-level
// "system" field, matching Anthropic's wire shape.
func BuildRequest(model string, contents []neutral.Record, tools []provider.ToolSpec, maxTokens int, stream bool, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) (map[string]any, error) {
	var system string

	rest := contents

	if len(rest) > 0 && rest[0].Speaker == neutral.SpeakerSystem {
		system = textOf(rest[0])
		rest = rest[1:]
	}

	messages, err := buildMessages(rest, idt, maxToolOutputTokens, truncateMode)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"model":      model,
		"messages":   messages,
		"stream":     stream,
		"max_tokens": maxTokens,
	}

	if system != "" {
		req["system"] = system
	}

	if len(tools) > 0 {
		req["tools"] = buildTools(tools)
	}

	return req, nil
}

func textOf(r neutral.Record) string {
	var s string
	for _, b := range r.Blocks {
		if b.Kind == neutral.BlockText {
			s += b.Text
		}
	}

	return s
}

func buildTools(tools []provider.ToolSpec) []toolDecl {
	out := make([]toolDecl, 0, len(tools))

	for _, t := range tools {
		out = append(out, toolDecl{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	return out
}

// buildMessages walks records and coalesces each tool_response's owning
// turn: a SpeakerTool record's tool_result blocks, plus any free text from
// an immediately following SpeakerHuman record, are emitted as one user
// message adjacent to the assistant's tool_use message — never as a
// separate duplicate of that same text.
func buildMessages(records []neutral.Record, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) ([]message, error) {
	var (
		out     []message
		pending []contentBlock
	)

	flush := func(role string) {
		if len(pending) == 0 {
			return
		}

		out = append(out, message{Role: role, Content: pending})
		pending = nil
	}

	for _, rec := range records {
		switch rec.Speaker {
		case neutral.SpeakerAI:
			flush("user")

			blocks, err := assistantBlocks(rec, idt)
			if err != nil {
				return nil, err
			}

			if len(blocks) > 0 {
				out = append(out, message{Role: "assistant", Content: blocks})
			}
		case neutral.SpeakerTool:
			blocks, err := toolResultBlocks(rec, idt, maxToolOutputTokens, truncateMode)
			if err != nil {
				return nil, err
			}

			pending = append(pending, blocks...)
		case neutral.SpeakerHuman, neutral.SpeakerSystem:
			for _, b := range rec.Blocks {
				if b.Kind == neutral.BlockText && b.Text != "" {
					pending = append(pending, contentBlock{Type: "text", Text: b.Text})
				}
			}

			flush("user")
		}
	}

	flush("user")

	return out, nil
}

func assistantBlocks(rec neutral.Record, idt *convert.IDTranslator) ([]contentBlock, error) {
	var blocks []contentBlock

	for _, b := range rec.Blocks {
		switch b.Kind {
		case neutral.BlockText:
			if b.Text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: b.Text})
			}
		case neutral.BlockThought:
			if b.Thought != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: b.Thought})
			}
		case neutral.BlockToolCall:
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    idt.VendorID(b.ToolCallID),
				Name:  b.ToolName,
				Input: orEmpty(b.ToolParams),
			})
		}
	}

	return blocks, nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}

	return v
}

func toolResultBlocks(rec neutral.Record, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) ([]contentBlock, error) {
	var blocks []contentBlock

	for _, b := range rec.Blocks {
		if b.Kind != neutral.BlockToolResponse {
			continue
		}

		content, truncated, err := serializeToolResult(b, maxToolOutputTokens, truncateMode)
		if err != nil {
			return nil, err
		}

		blocks = append(blocks, contentBlock{
			Type:      "tool_result",
			ToolUseID: idt.VendorID(b.ToolCallRef),
			Content:   content,
			IsError:   b.ToolError != "" || truncated,
		})
	}

	return blocks, nil
}

func serializeToolResult(b neutral.Block, maxToolOutputTokens int, truncateMode string) (string, bool, error) {
	var s string

	if str, ok := b.ToolResult.(string); ok {
		s = str
	} else {
		serialized, err := convert.StableJSON(b.ToolResult)
		if err != nil {
			return "", false, fmt.Errorf("serialize tool result: %w", err)
		}

		s = serialized
	}

	return convert.TruncateToolOutput(s, maxToolOutputTokens, truncateMode)
}

// streamEvent is the subset of Anthropic SSE event payloads this adapter
// reads across message_start/content_block_start/content_block_delta/
// content_block_stop/message_delta/message_stop.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input any    `json:"input"`
	} `json:"content_block"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// decodeState tracks in-flight content-block identities across SSE events
// within one stream, since deltas arrive by index rather than full blocks.
type decodeState struct {
	blockCanon map[int]string // index -> canonical tool-call ID, for tool_use blocks
	blockName  map[int]string
	providerID string
	model      string
}

func newDecodeState() *decodeState {
	return &decodeState{blockCanon: make(map[int]string), blockName: make(map[int]string)}
}

// EventToNeutral decodes one raw SSE "data:" payload (with its event name)
// into a neutral.Record delta, reporting whether the stream just finished
// (message_stop).
func EventToNeutral(eventName, raw string, idt *convert.IDTranslator, allocate func() string, st *decodeState) (neutral.Record, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return neutral.Record{Speaker: neutral.SpeakerAI}, false, nil
	}

	typ := ev.Type
	if typ == "" {
		typ = eventName
	}

	rec := neutral.Record{Speaker: neutral.SpeakerAI}

	switch typ {
	case "message_start":
		st.providerID = ev.Message.ID
		st.model = ev.Message.Model
		rec.Metadata = neutral.Metadata{ProviderID: st.providerID, ModelID: st.model}
	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			canon := idt.CanonicalID(ev.ContentBlock.ID, allocate)
			st.blockCanon[ev.Index] = canon
			st.blockName[ev.Index] = ev.ContentBlock.Name
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, ev.ContentBlock.Name, ev.ContentBlock.Input))
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			rec.Blocks = append(rec.Blocks, neutral.Text(ev.Delta.Text))
		case "input_json_delta":
			canon := st.blockCanon[ev.Index]
			name := st.blockName[ev.Index]
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, name, ev.Delta.PartialJSON))
		}
	case "message_delta":
		if ev.Delta.StopReason != "" {
			rec.Metadata.FinishReason = ev.Delta.StopReason
		}
	case "message_stop":
		return rec, true, nil
	}

	return rec, false, nil
}
