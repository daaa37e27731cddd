// Package history implements the append-only conversation log and the
// sole canonical tool-call ID generator for a session.
package history

import (
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/corouter-dev/corouter/internal/neutral"
)

// CanonicalPrefix prefixes every ID this service allocates.
const CanonicalPrefix = "hist_tool_"

// Service is the single source of truth for a session's conversation log
// and its canonical tool-call IDs. The zero value is not usable; use New.
type Service struct {
	mu        sync.Mutex
	records   []neutral.Record
	allocated map[string]bool
}

// New returns an empty Service.
func New() *Service {
	return &Service{allocated: make(map[string]bool)}
}

// AllocateToolCallID mints a fresh hist_tool_<uuid> that has never been
// returned by this Service before.
func (s *Service) AllocateToolCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := CanonicalPrefix + uuid.NewString()
	s.allocated[id] = true

	return id
}

// Append records a turn. Records referencing unknown canonical tool-call
// IDs are still appended; they surface later via FindUnmatched.
func (s *Service) Append(r neutral.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range r.Blocks {
		if b.Kind == neutral.BlockToolCall && b.ToolCallID != "" {
			s.allocated[b.ToolCallID] = true
		}
	}

	s.records = append(s.records, r)
}

// All returns every record in insertion order. The returned slice is a
// copy; mutating it does not affect the stored log.
func (s *Service) All() []neutral.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]neutral.Record, len(s.records))
	copy(out, s.records)

	return out
}

// AllSeq returns every record in insertion order as a range-over-func
// iterator, for callers (e.g. a status endpoint streaming the log) that
// want to range over it without copying the whole slice up front. The
// underlying records are still snapshotted at call time under the lock;
// only the iteration itself is lazy.
func (s *Service) AllSeq() iter.Seq[neutral.Record] {
	s.mu.Lock()
	records := make([]neutral.Record, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	return func(yield func(neutral.Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

// FindUnmatched returns the set of canonical tool-call IDs that have been
// issued (via a tool_call block ever appended) but have no corresponding
// tool_response block anywhere in the log.
func (s *Service) FindUnmatched() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.findUnmatchedLocked()
}

func (s *Service) findUnmatchedLocked() map[string]bool {
	pending := make(map[string]bool)

	for _, r := range s.records {
		for _, b := range r.Blocks {
			switch b.Kind {
			case neutral.BlockToolCall:
				if b.ToolCallID != "" {
					pending[b.ToolCallID] = true
				}
			case neutral.BlockToolResponse:
				delete(pending, b.ToolCallRef)
			}
		}
	}

	return pending
}

// interruptedToolResult is the synthetic tool_result text Curated()
// substitutes for a tool_call that has no response anywhere in the log but
// is not the log's last record, so the provider never sees a tool_call
// with nothing after it (every vendor wire shape rejects that).
const interruptedToolResult = "Tool execution was interrupted"

// Curated returns the log trimmed of empty turns and of trailing
// tool-calls that never received a response (the assistant called a tool
// and the session ended before anything answered it). An unmatched
// tool-call that is NOT trailing — the log continues past it some other
// way, e.g. the session was resumed on a different turn — is kept, but
// paired with a synthesized interrupted tool_result immediately after it,
// since no vendor wire shape tolerates a tool_call with no result at all
// once later turns follow it. Curation never mutates the stored records,
// and is idempotent: Curated() applied to its own output yields the same
// sequence.
func (s *Service) Curated() []neutral.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	unmatched := s.findUnmatchedLocked()
	trailing := s.trailingUnmatchedLocked(unmatched)

	out := make([]neutral.Record, 0, len(s.records))

	for _, r := range s.records {
		if r.IsEmpty() {
			continue
		}

		// Drop only the trailing unmatched tool-call blocks from this
		// record; keep everything else about the turn intact.
		trimmed := r
		if hasUnmatchedCall(r, trailing) {
			blocks := make([]neutral.Block, 0, len(r.Blocks))

			for _, b := range r.Blocks {
				if b.Kind == neutral.BlockToolCall && trailing[b.ToolCallID] {
					continue
				}

				blocks = append(blocks, b)
			}

			trimmed.Blocks = blocks

			if trimmed.IsEmpty() {
				continue
			}
		}

		out = append(out, trimmed)

		for _, b := range trimmed.Blocks {
			if b.Kind == neutral.BlockToolCall && unmatched[b.ToolCallID] && !trailing[b.ToolCallID] {
				out = append(out, neutral.Record{
					Speaker: neutral.SpeakerTool,
					Blocks: []neutral.Block{
						neutral.ToolResponse(b.ToolCallID, b.ToolName, nil, interruptedToolResult),
					},
				})
			}
		}
	}

	return out
}

// trailingUnmatchedLocked narrows unmatched down to the tool-calls issued
// in the log's last record: those have no later record at all, let alone a
// matching response, so there is nothing to pair them with.
func (s *Service) trailingUnmatchedLocked(unmatched map[string]bool) map[string]bool {
	trailing := make(map[string]bool)

	if len(s.records) == 0 {
		return trailing
	}

	last := s.records[len(s.records)-1]
	for _, b := range last.Blocks {
		if b.Kind == neutral.BlockToolCall && unmatched[b.ToolCallID] {
			trailing[b.ToolCallID] = true
		}
	}

	return trailing
}

func hasUnmatchedCall(r neutral.Record, unmatched map[string]bool) bool {
	for _, b := range r.Blocks {
		if b.Kind == neutral.BlockToolCall && unmatched[b.ToolCallID] {
			return true
		}
	}

	return false
}

// Reset empties the log. Allocated-ID bookkeeping is cleared too, so IDs
// may be reused by a fresh session after Reset.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.allocated = make(map[string]bool)
}

// Len returns the number of records currently stored.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}
