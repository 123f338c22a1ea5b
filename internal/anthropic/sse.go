package anthropic

// SSEEventType enumerates the Anthropic streaming event names.
type SSEEventType string

const (
	EventMessageStart      SSEEventType = "message_start"
	EventContentBlockStart SSEEventType = "content_block_start"
	EventContentBlockDelta SSEEventType = "content_block_delta"
	EventContentBlockStop  SSEEventType = "content_block_stop"
	EventMessageDelta      SSEEventType = "message_delta"
	EventMessageStop       SSEEventType = "message_stop"
)

// DeltaType enumerates content_block_delta subtypes.
type DeltaType string

const (
	DeltaText        DeltaType = "text_delta"
	DeltaThinking    DeltaType = "thinking_delta"
	DeltaSignature   DeltaType = "signature_delta"
	DeltaInputJSON   DeltaType = "input_json_delta"
)

// SSEEvent is one event in the Anthropic SSE stream. Only the fields
// relevant to Type are populated.
type SSEEvent struct {
	Type SSEEventType

	// message_start
	MessageID string
	Model     string
	Usage     Usage

	// content_block_start / stop
	Index     int
	BlockKind BlockKind
	ToolUseID string
	ToolName  string

	// content_block_delta
	DeltaKind     DeltaType
	TextDelta     string
	ThinkingDelta string
	Signature     string
	PartialJSON   string

	// message_delta
	StopReason StopReason
}
