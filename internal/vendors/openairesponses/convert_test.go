package openairesponses

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
)

func TestBuildRequestEncodesToolCallAsFunctionCallItem(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)

	contents := []neutral.Record{
		{Speaker: neutral.SpeakerHuman, Blocks: []neutral.Block{neutral.Text("what's the weather?")}},
		{Speaker: neutral.SpeakerAI, Blocks: []neutral.Block{neutral.ToolCall("hist_tool_1", "get_weather", map[string]any{"city": "nyc"})}},
		{Speaker: neutral.SpeakerTool, Blocks: []neutral.Block{neutral.ToolResponse("hist_tool_1", "get_weather", map[string]any{"temp": 72}, "")}},
	}

	req, err := BuildRequest("gpt-5", contents, nil, true, idt, 0, convert.TruncateModeTruncate)
	require.NoError(t, err)

	items := req["input"].([]inputItem)
	require.Len(t, items, 3)

	assert.Equal(t, "message", items[0].Type)
	assert.Equal(t, "user", items[0].Role)

	assert.Equal(t, "function_call", items[1].Type)
	assert.Equal(t, "get_weather", items[1].Name)
	assert.Equal(t, "call_1", items[1].CallID)

	assert.Equal(t, "function_call_output", items[2].Type)
	assert.Equal(t, "call_1", items[2].CallID)
}

func TestBuildRequestOmitsToolsWhenNoneProvided(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)

	req, err := BuildRequest("gpt-5", nil, nil, false, idt, 0, convert.TruncateModeTruncate)
	require.NoError(t, err)

	_, ok := req["tools"]
	assert.False(t, ok)
}

func TestEventToNeutralTextDelta(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := EventToNeutral(`{"type":"response.output_text.delta","delta":"hi"}`, idt, func() string { return "x" }, st)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "hi", rec.Blocks[0].Text)
}

func TestEventToNeutralFunctionCallAllocatesCanonicalID(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := EventToNeutral(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_9","name":"get_weather"}}`, idt, func() string { return "hist_tool_minted" }, st)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "hist_tool_minted", rec.Blocks[0].ToolCallID)
	assert.Equal(t, "get_weather", rec.Blocks[0].ToolName)

	rec2, _, err := EventToNeutral(`{"type":"response.function_call_arguments.delta","item":{"call_id":"call_9"},"delta":"{\"city\":"}`, idt, func() string { return "unused" }, st)
	require.NoError(t, err)
	require.Len(t, rec2.Blocks, 1)
	assert.Equal(t, "hist_tool_minted", rec2.Blocks[0].ToolCallID)
	assert.Equal(t, "get_weather", rec2.Blocks[0].ToolName)
}

func TestEventToNeutralCompletedEndsStreamWithUsage(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := EventToNeutral(`{"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":4}}}`, idt, func() string { return "x" }, st)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "stop", rec.Metadata.FinishReason)
	require.NotNil(t, rec.Metadata.Usage)
	assert.Equal(t, 10, rec.Metadata.Usage.PromptTokens)
	assert.Equal(t, 4, rec.Metadata.Usage.CompletionTokens)
}

func TestEventToNeutralMalformedJSONReturnsEmptyRecord(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := EventToNeutral(`not json`, idt, func() string { return "x" }, st)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, rec.Blocks)
}
