// Package openaichat adapts the OpenAI Chat Completions wire shape
// (explicit tool-call IDs, call_N scheme) to the neutral content model.
package openaichat

import (
	"encoding/json"
	"fmt"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
)

// VendorIDFormat is this family's wire tool-call ID scheme.
const VendorIDFormat = "call_%d"

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolDecl `json:"function"`
}

type chatToolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// BuildRequest converts neutral contents/tools into an OpenAI chat
// completions request body. maxToolOutputTokens truncates oversized
// tool_response results (0 disables the check); truncateMode selects
// whether an oversized result is truncated or rejected outright
// (convert.TruncateModeTruncate|convert.TruncateModeError).
func BuildRequest(model string, contents []neutral.Record, tools []provider.ToolSpec, stream bool, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) (map[string]any, error) {
	var messages []chatMessage

	for _, rec := range contents {
		msgs, err := recordToMessages(rec, idt, maxToolOutputTokens, truncateMode)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msgs...)
	}

	req := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   stream,
	}

	if len(tools) > 0 {
		req["tools"] = buildTools(tools)
	}

	return req, nil
}

func buildTools(tools []provider.ToolSpec) []chatTool {
	out := make([]chatTool, 0, len(tools))

	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

func role(s neutral.Speaker) string {
	switch s {
	case neutral.SpeakerHuman:
		return "user"
	case neutral.SpeakerAI:
		return "assistant"
	case neutral.SpeakerTool:
		return "tool"
	case neutral.SpeakerSystem:
		return "system"
	default:
		return "user"
	}
}

// recordToMessages expands one neutral.Record into one or more chat
// messages: text+tool_calls collapse onto a single assistant/user message,
// but each tool_response becomes its own "tool" role message since OpenAI
// requires one message per tool_call_id.
func recordToMessages(rec neutral.Record, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) ([]chatMessage, error) {
	var (
		out       []chatMessage
		text      string
		toolCalls []chatToolCall
	)

	for _, b := range rec.Blocks {
		switch b.Kind {
		case neutral.BlockText:
			text += b.Text
		case neutral.BlockThought:
			// OpenAI chat completions has no first-class reasoning-summary
			// field; fold it into the visible text so it isn't silently lost.
			text += b.Thought
		case neutral.BlockToolCall:
			args, err := convert.StableJSON(orEmpty(b.ToolParams))
			if err != nil {
				return nil, fmt.Errorf("serialize tool call arguments: %w", err)
			}

			toolCalls = append(toolCalls, chatToolCall{
				ID:   idt.VendorID(b.ToolCallID),
				Type: "function",
				Function: chatFunction{
					Name:      b.ToolName,
					Arguments: args,
				},
			})
		case neutral.BlockToolResponse:
			content, err := toolResultContent(b, maxToolOutputTokens, truncateMode)
			if err != nil {
				return nil, err
			}

			out = append(out, chatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: idt.VendorID(b.ToolCallRef),
			})
		}
	}

	if text != "" || len(toolCalls) > 0 {
		msg := chatMessage{Role: role(rec.Speaker)}
		if text != "" {
			msg.Content = text
		}

		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}

		// Tool-call-bearing messages must precede their tool responses.
		out = append([]chatMessage{msg}, out...)
	}

	return out, nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}

	return v
}

func toolResultContent(b neutral.Block, maxToolOutputTokens int, truncateMode string) (string, error) {
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

// streamChunk is the subset of a chat.completion.chunk this adapter reads.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// decodeState tracks partial tool-call argument accumulation across chunks,
// since OpenAI streams function arguments incrementally by index.
type decodeState struct {
	toolByIndex map[int]*neutral.Block
	toolOrder   []int
}

func newDecodeState() *decodeState {
	return &decodeState{toolByIndex: make(map[int]*neutral.Block)}
}

// ChunkToNeutral decodes one raw SSE data payload into a neutral.Record
// delta, and reports whether this was a terminal chunk (finish_reason set).
func ChunkToNeutral(raw string, idt *convert.IDTranslator, allocate func() string, st *decodeState) (neutral.Record, bool, error) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		// Converters never throw on malformed input: best-effort empty record.
		return neutral.Record{Speaker: neutral.SpeakerAI}, false, nil
	}

	rec := neutral.Record{Speaker: neutral.SpeakerAI, Metadata: neutral.Metadata{ProviderID: chunk.ID, ModelID: chunk.Model}}

	if chunk.Usage != nil {
		rec.Metadata.Usage = &neutral.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	done := false

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			rec.Blocks = append(rec.Blocks, neutral.Text(choice.Delta.Content))
		}

		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" {
				canon := idt.CanonicalID(tc.ID, allocate)
				b := neutral.ToolCall(canon, tc.Function.Name, tc.Function.Arguments)
				st.toolByIndex[tc.Index] = &b
				st.toolOrder = append(st.toolOrder, tc.Index)
				rec.Blocks = append(rec.Blocks, b)
			} else if existing, ok := st.toolByIndex[tc.Index]; ok {
				// Incremental argument fragment: accumulate as raw string,
				// caller concatenates by block identity.
				frag := existing.ToolParams.(string) + tc.Function.Arguments
				existing.ToolParams = frag
				rec.Blocks = append(rec.Blocks, neutral.ToolCall(existing.ToolCallID, existing.ToolName, tc.Function.Arguments))
			}
		}

		if choice.FinishReason != nil {
			rec.Metadata.FinishReason = *choice.FinishReason
			done = true
		}
	}

	return rec, done, nil
}
