// Package neutral defines the provider-agnostic conversation record that
// every vendor adapter translates to and from. Nothing in this package
// knows about HTTP, JSON wire shapes, or any particular vendor.
package neutral

import "time"

// Speaker identifies who produced a Record.
type Speaker string

const (
	SpeakerHuman  Speaker = "human"
	SpeakerAI     Speaker = "ai"
	SpeakerTool   Speaker = "tool"
	SpeakerSystem Speaker = "system"
)

// BlockKind tags the variant held by a Block.
type BlockKind string

const (
	BlockText         BlockKind = "text"
	BlockToolCall     BlockKind = "tool_call"
	BlockToolResponse BlockKind = "tool_response"
	BlockThought      BlockKind = "thought"
	BlockImage        BlockKind = "image"
)

// Block is one tagged entry in a Record's ordered content. Only the fields
// relevant to Kind are populated; the rest are left at their zero value.
type Block struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockToolCall
	ToolCallID string // canonical hist_tool_<uuid>, never a vendor ID
	ToolName   string
	ToolParams any

	// BlockToolResponse
	ToolCallRef string // must equal some earlier BlockToolCall.ToolCallID
	ToolResult  any
	ToolError   string // non-empty marks this response as an error result

	// BlockThought
	Thought string

	// BlockImage
	ImageRef   string
	ImageBytes []byte
	ImageMIME  string
}

// Text builds a text block.
func Text(s string) Block { return Block{Kind: BlockText, Text: s} }

// ToolCall builds a tool_call block carrying a canonical ID.
func ToolCall(id, name string, params any) Block {
	return Block{Kind: BlockToolCall, ToolCallID: id, ToolName: name, ToolParams: params}
}

// ToolResponse builds a tool_response block referencing a canonical ID.
func ToolResponse(callID, toolName string, result any, errMsg string) Block {
	return Block{Kind: BlockToolResponse, ToolCallRef: callID, ToolName: toolName, ToolResult: result, ToolError: errMsg}
}

// Thought builds a reasoning-summary block.
func Thought(s string) Block { return Block{Kind: BlockThought, Thought: s} }

// Image builds an image block from an inline byte payload.
func Image(mime string, data []byte) Block {
	return Block{Kind: BlockImage, ImageMIME: mime, ImageBytes: data}
}

// Usage carries token accounting for a Record, when the vendor reported it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Consistent reports whether TotalTokens equals the sum of the other two
// fields. A Usage with TotalTokens == 0 is always considered consistent
// (total wasn't reported).
func (u Usage) Consistent() bool {
	if u.TotalTokens == 0 {
		return true
	}
	return u.TotalTokens == u.PromptTokens+u.CompletionTokens
}

// Metadata carries optional, record-level bookkeeping.
type Metadata struct {
	ProviderID   string
	ModelID      string
	Usage        *Usage
	Timestamp    time.Time
	FinishReason string
}

// Record is one turn in a conversation: a speaker plus ordered blocks.
type Record struct {
	Speaker  Speaker
	Blocks   []Block
	Metadata Metadata
}

// IsEmpty reports whether the record carries no blocks at all, or only
// blocks with no observable content (used by curation to drop empty turns).
func (r Record) IsEmpty() bool {
	if len(r.Blocks) == 0 {
		return true
	}
	for _, b := range r.Blocks {
		switch b.Kind {
		case BlockText:
			if b.Text != "" {
				return false
			}
		case BlockThought:
			if b.Thought != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ToolCalls returns every tool_call block in the record, in order.
func (r Record) ToolCalls() []Block {
	var out []Block
	for _, b := range r.Blocks {
		if b.Kind == BlockToolCall {
			out = append(out, b)
		}
	}
	return out
}

// ToolResponses returns every tool_response block in the record, in order.
func (r Record) ToolResponses() []Block {
	var out []Block
	for _, b := range r.Blocks {
		if b.Kind == BlockToolResponse {
			out = append(out, b)
		}
	}
	return out
}
