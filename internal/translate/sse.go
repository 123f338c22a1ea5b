package translate

import (
	"github.com/tidwall/gjson"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

// blockState enumerates which kind of Anthropic content block is currently
// open in the SSE state machine.
type blockState int

const (
	stateNone blockState = iota
	stateThinking
	stateText
	stateToolUse
)

// StreamState is the cross-chunk state the SSE translator carries for one
// upstream stream. Construct one with NewStreamState per client request.
type StreamState struct {
	settings poolconfig.Settings
	sig      *sigcache.Cache
	family   Family

	started      bool
	index        int
	current      blockState
	pendingSig   string
	anyToolUse   bool
	finishReason string

	promptTokens int64
	cachedTokens int64
	outputTokens int64
	sawUsage     bool
}

// NewStreamState constructs a fresh per-stream state machine.
func NewStreamState(model string, sig *sigcache.Cache, settings poolconfig.Settings) *StreamState {
	return &StreamState{settings: settings, sig: sig, family: FamilyOf(model), current: stateNone, index: -1}
}

// Feed consumes one Google SSE data chunk (a single JSON object, already
// stripped of the "data: " prefix) and returns the Anthropic events it
// produces, in order. Always returns a non-nil slice (possibly empty).
func (s *StreamState) Feed(chunk []byte) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent

	if !gjson.ValidBytes(chunk) {
		return events
	}

	if !s.started {
		s.started = true
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventMessageStart})
	}

	if finish := gjson.GetBytes(chunk, "candidates.0.finishReason").String(); finish != "" {
		s.finishReason = finish
	}
	if u := gjson.GetBytes(chunk, "usageMetadata"); u.Exists() {
		p, c, o := googleUsageFromJSON(chunk)
		s.promptTokens, s.cachedTokens, s.outputTokens = p, c, o
		s.sawUsage = true
	}

	parts := gjson.GetBytes(chunk, "candidates.0.content.parts")
	if !parts.IsArray() {
		return events
	}

	for _, p := range parts.Array() {
		text := p.Get("text").String()
		thought := p.Get("thought").Bool()
		signature := p.Get("thoughtSignature").String()

		if fc := p.Get("functionCall"); fc.Exists() {
			events = append(events, s.closeCurrent()...)
			s.anyToolUse = true
			id := fc.Get("id").String()
			if id == "" {
				id = NewSyntheticToolUseID()
			}
			s.index++
			s.current = stateToolUse
			events = append(events, anthropic.SSEEvent{
				Type: anthropic.EventContentBlockStart, Index: s.index,
				BlockKind: anthropic.BlockToolUse, ToolUseID: id, ToolName: fc.Get("name").String(),
			})
			argsJSON := fc.Get("args").Raw
			if argsJSON == "" {
				argsJSON = "{}"
			}
			events = append(events, anthropic.SSEEvent{
				Type: anthropic.EventContentBlockDelta, Index: s.index,
				DeltaKind: anthropic.DeltaInputJSON, PartialJSON: argsJSON,
			})
			if signature != "" && s.sig != nil {
				s.sig.PutSignature(id, signature, sigcache.Family(s.family))
			}
			events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStop, Index: s.index})
			s.current = stateNone
			continue
		}

		if thought {
			if s.current != stateThinking {
				events = append(events, s.closeCurrent()...)
				s.index++
				s.current = stateThinking
				events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStart, Index: s.index, BlockKind: anthropic.BlockThinking})
			}
			if signature != "" {
				s.pendingSig = signature
			}
			if text != "" {
				events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockDelta, Index: s.index, DeltaKind: anthropic.DeltaThinking, ThinkingDelta: text})
			}
			continue
		}

		if text == "" {
			continue
		}

		if s.current != stateText {
			events = append(events, s.closeCurrent()...)
			s.index++
			s.current = stateText
			events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStart, Index: s.index, BlockKind: anthropic.BlockText})
		}
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockDelta, Index: s.index, DeltaKind: anthropic.DeltaText, TextDelta: text})
	}

	return events
}

// closeCurrent emits a signature_delta (if one is pending from a thinking
// block) followed by content_block_stop for whichever block is open, and
// resets state to none. Returns an empty slice if nothing was open.
func (s *StreamState) closeCurrent() []anthropic.SSEEvent {
	if s.current == stateNone {
		return nil
	}
	var events []anthropic.SSEEvent
	if s.current == stateThinking && s.pendingSig != "" {
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockDelta, Index: s.index, DeltaKind: anthropic.DeltaSignature, Signature: s.pendingSig})
		s.pendingSig = ""
	}
	events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStop, Index: s.index})
	s.current = stateNone
	return events
}

// Finish closes any still-open block and emits message_delta + message_stop.
// Call this exactly once after the upstream stream closes.
func (s *StreamState) Finish() []anthropic.SSEEvent {
	var events []anthropic.SSEEvent
	events = append(events, s.closeCurrent()...)

	if !s.started {
		// Stream produced nothing at all: synthesize a one-block empty-text
		// response rather than erroring, per SPEC_FULL.md §4.3.
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventMessageStart})
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStart, Index: 0, BlockKind: anthropic.BlockText})
		events = append(events, anthropic.SSEEvent{Type: anthropic.EventContentBlockStop, Index: 0})
	}

	stopReason := mapFinishReason(s.finishReason, s.anyToolUse)
	usage := anthropic.Usage{}
	if s.sawUsage {
		usage.InputTokens = clampNonNegative(s.promptTokens - s.cachedTokens)
		usage.OutputTokens = clampNonNegative(s.outputTokens)
		usage.CacheReadInputTokens = clampNonNegative(s.cachedTokens)
	}
	events = append(events, anthropic.SSEEvent{Type: anthropic.EventMessageDelta, StopReason: stopReason, Usage: usage})
	events = append(events, anthropic.SSEEvent{Type: anthropic.EventMessageStop})
	return events
}
