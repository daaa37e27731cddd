package convert

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TruncationMarker is appended (replacing the overflow) when a tool
// response is truncated to fit tool-output-max-tokens.
const TruncationMarker = "[Output truncated due to token limit]"

// tool-output-truncate-mode values.
const (
	TruncateModeTruncate = "truncate"
	TruncateModeError    = "error"
)

// ErrToolOutputTooLarge is returned by TruncateToolOutput when mode is
// TruncateModeError and s exceeds maxTokens, instead of truncating it.
var ErrToolOutputTooLarge = errors.New("tool output exceeds tool-output-max-tokens")

// TruncateToolOutput truncates s to at most maxTokens cl100k_base tokens
// when mode is TruncateModeTruncate (the default for an unrecognized or
// empty mode), appending TruncationMarker when truncation occurred.
// maxTokens <= 0 disables the check entirely. When mode is
// TruncateModeError, an oversized s is rejected with ErrToolOutputTooLarge
// instead of being truncated, so the caller can surface the tool call as
// failed rather than silently feed the model a clipped result. Reports
// whether truncation happened, since adapters must set the vendor is_error
// flag when it did.
func TruncateToolOutput(s string, maxTokens int, mode string) (out string, truncated bool, err error) {
	if maxTokens <= 0 {
		return s, false, nil
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return "", false, fmt.Errorf("load cl100k_base encoding: %w", err)
	}

	tokens := enc.Encode(s, nil, nil)
	if len(tokens) <= maxTokens {
		return s, false, nil
	}

	if mode == TruncateModeError {
		return "", false, fmt.Errorf("%w: %d tokens exceeds limit of %d", ErrToolOutputTooLarge, len(tokens), maxTokens)
	}

	markerTokens := enc.Encode(TruncationMarker, nil, nil)
	budget := maxTokens - len(markerTokens)

	if budget < 0 {
		budget = 0
	}

	truncatedTokens := tokens[:budget]

	return enc.Decode(truncatedTokens) + TruncationMarker, true, nil
}
