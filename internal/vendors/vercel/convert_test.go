package vercel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/convert"
)

func TestSplitPart(t *testing.T) {
	prefix, payload := SplitPart(`0:"hello"`)
	assert.Equal(t, "0", prefix)
	assert.Equal(t, `"hello"`, payload)

	prefix, payload = SplitPart("not a part line")
	assert.Equal(t, "", prefix)
	assert.Equal(t, "not a part line", payload)
}

func TestLineToNeutralTextPart(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := LineToNeutral(`0:"hi there"`, idt, func() string { return "x" }, st)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "hi there", rec.Blocks[0].Text)
}

func TestLineToNeutralToolCallPartAllocatesCanonicalID(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	line := `9:{"toolCallId":"call_abc","toolName":"get_weather","args":{"city":"nyc"}}`

	rec, done, err := LineToNeutral(line, idt, func() string { return "hist_tool_minted" }, st)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "hist_tool_minted", rec.Blocks[0].ToolCallID)
	assert.Equal(t, "get_weather", rec.Blocks[0].ToolName)
}

func TestLineToNeutralFinishStepEndsStream(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	rec, done, err := LineToNeutral(`e:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":5}}`, idt, func() string { return "x" }, st)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "stop", rec.Metadata.FinishReason)
	require.NotNil(t, rec.Metadata.Usage)
	assert.Equal(t, 10, rec.Metadata.Usage.PromptTokens)
}

func TestLineToNeutralToolCallDeltaUsesTrackedName(t *testing.T) {
	idt := convert.NewIDTranslator(VendorIDFormat)
	st := newDecodeState()

	_, _, err := LineToNeutral(`9:{"toolCallId":"call_abc","toolName":"get_weather","args":{}}`, idt, func() string { return "hist_tool_1" }, st)
	require.NoError(t, err)

	rec, _, err := LineToNeutral(`c:{"toolCallId":"call_abc","argsTextDelta":"{\"city\":"}`, idt, func() string { return "unused" }, st)
	require.NoError(t, err)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, "get_weather", rec.Blocks[0].ToolName)
	assert.Equal(t, "hist_tool_1", rec.Blocks[0].ToolCallID)
}
