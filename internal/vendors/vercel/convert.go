// Package vercel adapts the Vercel AI SDK "data stream protocol" — an
// OpenAI-Chat-compatible wire shape underneath, but framed as
// prefix-tagged stream parts (0:, 9:, a:, e:, ...) rather than raw SSE
// "data:" lines. The request body reuses internal/vendors/openaichat's
// Chat-Completions-compatible encoding (explicit call_N tool-call IDs).
package vercel

import (
	"encoding/json"
	"strings"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
	"github.com/corouter-dev/corouter/internal/provider"
	"github.com/corouter-dev/corouter/internal/vendors/openaichat"
)

// VendorIDFormat matches openaichat's: the AI SDK's wire shape underneath
// the data-stream framing is OpenAI-Chat-compatible.
const VendorIDFormat = openaichat.VendorIDFormat

// BuildRequest delegates to openaichat's Chat-Completions-compatible
// encoding — the AI SDK gateway accepts the same request body shape.
func BuildRequest(model string, contents []neutral.Record, tools []provider.ToolSpec, idt *convert.IDTranslator, maxToolOutputTokens int, truncateMode string) (map[string]any, error) {
	return openaichat.BuildRequest(model, contents, tools, true, idt, maxToolOutputTokens, truncateMode)
}

// partKind tags one data-stream protocol line's leading digit/letter.
type partKind byte

const (
	partText          partKind = '0'
	partData          partKind = '2'
	partError         partKind = '3'
	partToolCall      partKind = '9'
	partToolResult    partKind = 'a'
	partToolCallStart partKind = 'b'
	partToolCallDelta partKind = 'c'
	partFinishMessage partKind = 'd'
	partFinishStep    partKind = 'e'
)

type toolCallPart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Args       any    `json:"args"`
}

type toolCallDeltaPart struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

type finishPart struct {
	FinishReason string `json:"finishReason"`
	Usage        *struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	} `json:"usage"`
}

// decodeState tracks the tool name of each in-flight vendor tool-call ID,
// so argument deltas (partToolCallDelta), which carry only the ID, get the
// right name; canonical IDs come from the IDTranslator.
type decodeState struct {
	nameByVendorID map[string]string
}

func newDecodeState() *decodeState {
	return &decodeState{nameByVendorID: make(map[string]string)}
}

// SplitPart parses one raw protocol line ("<prefix>:<json>") into its
// prefix and JSON payload. Lines that don't match the "x:" shape are
// returned with an empty prefix so callers can skip them.
func SplitPart(line string) (prefix, payload string) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", line
	}

	return line[:idx], line[idx+1:]
}

// LineToNeutral decodes one raw data-stream protocol line into a
// neutral.Record delta, reporting whether the stream just finished
// (finish-step or finish-message part).
func LineToNeutral(line string, idt *convert.IDTranslator, allocate func() string, st *decodeState) (neutral.Record, bool, error) {
	prefix, payload := SplitPart(line)
	if prefix == "" {
		return neutral.Record{Speaker: neutral.SpeakerAI}, false, nil
	}

	rec := neutral.Record{Speaker: neutral.SpeakerAI}

	switch partKind(prefix[0]) {
	case partText:
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err == nil {
			rec.Blocks = append(rec.Blocks, neutral.Text(text))
		}
	case partToolCall:
		var tc toolCallPart
		if err := json.Unmarshal([]byte(payload), &tc); err == nil {
			canon := idt.CanonicalID(tc.ToolCallID, allocate)
			st.nameByVendorID[tc.ToolCallID] = tc.ToolName
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, tc.ToolName, tc.Args))
		}
	case partToolCallDelta:
		var d toolCallDeltaPart
		if err := json.Unmarshal([]byte(payload), &d); err == nil {
			canon := idt.CanonicalID(d.ToolCallID, allocate)
			name := st.nameByVendorID[d.ToolCallID]
			rec.Blocks = append(rec.Blocks, neutral.ToolCall(canon, name, d.ArgsTextDelta))
		}
	case partFinishStep, partFinishMessage:
		var f finishPart
		if err := json.Unmarshal([]byte(payload), &f); err == nil {
			rec.Metadata.FinishReason = f.FinishReason

			if f.Usage != nil {
				rec.Metadata.Usage = &neutral.Usage{
					PromptTokens:     f.Usage.PromptTokens,
					CompletionTokens: f.Usage.CompletionTokens,
				}
			}
		}

		return rec, true, nil
	case partError:
		var msg string
		_ = json.Unmarshal([]byte(payload), &msg)
		// Errors surface through the normal pipelineerr.Classify path on the
		// HTTP status; an in-band error part is not raised here, since
		// converters never throw on malformed/error input. It decodes to an
		// empty record and is not logged.
	}

	return rec, false, nil
}

// toolResultLine renders a tool_response block as an "a:" tool-result part.
// Nothing in this package calls it: BuildRequest replays stored history
// through openaichat's encoding instead.
func toolResultLine(vendorID string, result any) (string, error) {
	payload, err := convert.StableJSON(map[string]any{"toolCallId": vendorID, "result": result})
	if err != nil {
		return "", err
	}

	return string(partToolResult) + ":" + payload, nil
}
