package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/convert"
	"github.com/corouter-dev/corouter/internal/neutral"
)

func TestBuildRequestLiftsSystemInstruction(t *testing.T) {
	contents := []neutral.Record{
		{Speaker: neutral.SpeakerSystem, Blocks: []neutral.Block{neutral.Text("be terse")}},
		{Speaker: neutral.SpeakerHuman, Blocks: []neutral.Block{neutral.Text("hi")}},
	}

	req, err := BuildRequest(contents, nil, 0, convert.TruncateModeTruncate)
	require.NoError(t, err)

	sys := req["systemInstruction"].(geminiContent)
	assert.Equal(t, "be terse", sys.Parts[0].Text)

	gc := req["contents"].([]geminiContent)
	require.Len(t, gc, 1)
	assert.Equal(t, "user", gc[0].Role)
}

func TestUppercaseSchemaTypesConvertsNestedProperties(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}

	out := uppercaseSchemaTypes(schema).(map[string]any)
	assert.Equal(t, "OBJECT", out["type"])

	props := out["properties"].(map[string]any)
	city := props["city"].(map[string]any)
	assert.Equal(t, "STRING", city["type"])
}

func TestChunkToNeutralMintsCanonicalIDForFunctionCall(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"nyc"}}}]}}]}`

	rec, done, err := ChunkToNeutral(raw, func() string { return "hist_tool_minted" })
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "hist_tool_minted", rec.Blocks[0].ToolCallID)
	assert.Equal(t, "get_weather", rec.Blocks[0].ToolName)
}

func TestChunkToNeutralSetsDoneOnFinishReason(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[{"text":"done"}]},"finishReason":"STOP"}]}`

	rec, done, err := ChunkToNeutral(raw, func() string { return "x" })
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "STOP", rec.Metadata.FinishReason)
}

func TestDecodeContentMatchesFunctionResponseToMostRecentPendingCall(t *testing.T) {
	var pending []PendingCall

	callRaw := map[string]any{
		"role": "model",
		"parts": []any{
			map[string]any{"functionCall": map[string]any{"name": "get_weather", "args": map[string]any{}}},
		},
	}

	callRec, err := DecodeContent(callRaw, &pending, func() string { return "hist_tool_1" })
	require.NoError(t, err)
	require.Len(t, callRec.Blocks, 1)
	require.Len(t, pending, 1)

	respRaw := map[string]any{
		"role": "user",
		"parts": []any{
			map[string]any{"functionResponse": map[string]any{"name": "get_weather", "response": map[string]any{"temp": 72}}},
		},
	}

	respRec, err := DecodeContent(respRaw, &pending, func() string { return "unused" })
	require.NoError(t, err)
	require.Len(t, respRec.Blocks, 1)
	assert.Equal(t, "hist_tool_1", respRec.Blocks[0].ToolCallRef)
	assert.Empty(t, pending)
}
