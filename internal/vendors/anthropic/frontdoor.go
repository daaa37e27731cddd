package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
)

// clientRequest is the inbound Anthropic Messages API request shape the
// HTTP front door accepts from the CLI client — the same wire shape
// BuildRequest produces, decoded in reverse. Anthropic is treated as the
// native passthrough format clients already speak.
type clientRequest struct {
	Model     string     `json:"model"`
	System    any        `json:"system,omitempty"` // string or []contentBlock
	Messages  []message  `json:"messages"`
	Tools     []toolDecl `json:"tools,omitempty"`
	MaxTokens int        `json:"max_tokens,omitempty"`
	Stream    bool       `json:"stream,omitempty"`
}

// DecodeClientRequest parses a raw incoming Anthropic Messages API request
// body into neutral records, tool specs, the requested model, and
// max_tokens. The returned IDTranslator must be reused for encoding the
// response stream back to the client, so canonical tool-call IDs minted
// here round-trip to the same vendor toolu_N IDs the client already knows.
func DecodeClientRequest(body []byte, allocate func() string) (contents []neutral.Record, tools []provider.ToolSpec, model string, maxTokens int, idt *convert.IDTranslator, err error) {
	var req clientRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, "", 0, nil, fmt.Errorf("decode client request: %w", err)
	}

	idt = convert.NewIDTranslator(VendorIDFormat)

	if sys, ok := req.System.(string); ok && sys != "" {
		contents = append(contents, neutral.Record{Speaker: neutral.SpeakerSystem, Blocks: []neutral.Block{neutral.Text(sys)}})
	}

	for _, m := range req.Messages {
		recs, decErr := decodeMessage(m, idt, allocate)
		if decErr != nil {
			return nil, nil, "", 0, nil, decErr
		}

		contents = append(contents, recs...)
	}

	for _, t := range req.Tools {
		tools = append(tools, provider.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	return contents, tools, req.Model, req.MaxTokens, idt, nil
}

// decodeMessage converts one client message into neutral records. A
// client "user" message may itself carry tool_result blocks (Anthropic's
// wire shape puts tool responses in user-role content); those decode to a
// SpeakerTool record instead, splitting the message if it also carries
// plain text — mirroring how buildMessages coalesces the two directions
// during encode.
func decodeMessage(m message, idt *convert.IDTranslator, allocate func() string) ([]neutral.Record, error) {
	if m.Role == "assistant" {
		rec := neutral.Record{Speaker: neutral.SpeakerAI}

		for _, b := range m.Content {
			switch b.Type {
			case "text":
				rec.Blocks = append(rec.Blocks, neutral.Text(b.Text))
			case "tool_use":
				canon := idt.CanonicalID(b.ID, allocate)
				rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, b.Name, b.Input))
			}
		}

		return []neutral.Record{rec}, nil
	}

	var toolBlocks, textBlocks []neutral.Block

	for _, b := range m.Content {
		switch b.Type {
		case "tool_result":
			canon := idt.CanonicalID(b.ToolUseID, allocate)
			errMsg := ""

			if b.IsError {
				errMsg = "tool execution failed"
			}

			result, err := toolResultAny(b.Content)
			if err != nil {
				return nil, err
			}

			toolBlocks = append(toolBlocks, neutral.ToolResponse(canon, "", result, errMsg))
		case "text":
			textBlocks = append(textBlocks, neutral.Text(b.Text))
		}
	}

	if len(toolBlocks) > 0 {
		recs := []neutral.Record{{Speaker: neutral.SpeakerTool, Blocks: toolBlocks}}
		if len(textBlocks) > 0 {
			recs = append(recs, neutral.Record{Speaker: neutral.SpeakerHuman, Blocks: textBlocks})
		}

		return recs, nil
	}

	return []neutral.Record{{Speaker: neutral.SpeakerHuman, Blocks: textBlocks}}, nil
}

func toolResultAny(content any) (any, error) {
	if s, ok := content.(string); ok {
		return s, nil
	}

	return content, nil
}

// SSEEncodeState is EncodeSSE's per-stream state. EncodeSSE renders
// neutral.Record deltas (as produced by any vendor adapter's decode path
// and passed through retry/loadbalance unchanged) into Anthropic-shaped
// SSE lines for the client, the reverse of EventToNeutral. started
// records whether message_start, which must precede any
// content_block_start, has already been emitted.
type SSEEncodeState struct {
	started     bool
	blockOpen   map[int]bool
	nextIndex   int
	toolIndexOf map[string]int
}

// NewSSEEncodeState builds fresh per-stream encoder state.
func NewSSEEncodeState() *SSEEncodeState {
	return &SSEEncodeState{blockOpen: make(map[int]bool), toolIndexOf: make(map[string]int)}
}

// EncodeSSE turns one neutral.Record delta into zero or more raw
// Anthropic-shaped SSE "event: ...\ndata: ...\n\n" frames.
func EncodeSSE(rec neutral.Record, done bool, idt *convert.IDTranslator, messageID, model string, st *SSEEncodeState) ([]byte, error) {
	var out []byte

	if !st.started {
		st.started = true

		out = append(out, sseFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": messageID, "type": "message", "role": "assistant", "model": model,
				"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})...)
	}

	for _, b := range rec.Blocks {
		switch b.Kind {
		case neutral.BlockText, neutral.BlockThought:
			text := b.Text
			if b.Kind == neutral.BlockThought {
				text = b.Thought
			}

			idx := st.indexFor("text", "")
			out = append(out, st.openIfNeeded(idx, "text")...)
			out = append(out, sseFrame("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": idx,
				"delta": map[string]any{"type": "text_delta", "text": text},
			})...)
		case neutral.BlockToolCall:
			idx := st.indexFor("tool_use", b.ToolCallID)

			if !st.blockOpen[idx] {
				out = append(out, sseFrame("content_block_start", map[string]any{
					"type": "content_block_start", "index": idx,
					"content_block": map[string]any{"type": "tool_use", "id": idt.VendorID(b.ToolCallID), "name": b.ToolName, "input": map[string]any{}},
				})...)
				st.blockOpen[idx] = true
			}

			partial, err := partialJSON(b.ToolParams)
			if err != nil {
				return nil, err
			}

			out = append(out, sseFrame("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
			})...)
		}
	}

	if done {
		for idx := range st.blockOpen {
			out = append(out, sseFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})...)
		}

		stopReason := "end_turn"
		if rec.Metadata.FinishReason != "" {
			stopReason = rec.Metadata.FinishReason
		}

		usage := map[string]any{}
		if rec.Metadata.Usage != nil {
			usage["input_tokens"] = rec.Metadata.Usage.PromptTokens
			usage["output_tokens"] = rec.Metadata.Usage.CompletionTokens
		}

		out = append(out, sseFrame("message_delta", map[string]any{
			"type": "message_delta", "delta": map[string]any{"stop_reason": stopReason}, "usage": usage,
		})...)
		out = append(out, sseFrame("message_stop", map[string]any{"type": "message_stop"})...)
	}

	return out, nil
}

func (st *SSEEncodeState) indexFor(kind, toolCallID string) int {
	key := kind
	if toolCallID != "" {
		key = toolCallID
	}

	if idx, ok := st.toolIndexOf[key]; ok {
		return idx
	}

	idx := st.nextIndex
	st.nextIndex++
	st.toolIndexOf[key] = idx

	return idx
}

func (st *SSEEncodeState) openIfNeeded(idx int, kind string) []byte {
	if st.blockOpen[idx] {
		return nil
	}

	st.blockOpen[idx] = true

	return sseFrame("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{"type": kind, "text": ""},
	})
}

func partialJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}

	if s, ok := v.(string); ok {
		return s, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool-call partial json: %w", err)
	}

	return string(b), nil
}

func sseFrame(event string, payload map[string]any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}

	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}
