// ABOUTME: ChatEvent is the single outward event type of the orchestrator.

package conversation

// EventKind tags a ChatEvent.
type EventKind int

const (
	EventDelta EventKind = iota
	EventToolCall
	EventToolResult
	EventAgentRound
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventAgentRound:
		return "agent_round"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// ChatEvent is one thing a subscriber should render.
//
// Text holds the delta for EventDelta, the round reply for EventAgentRound,
// the display summary for EventToolResult, the message for EventError and
// the full reply for EventDone.
type ChatEvent struct {
	Kind           EventKind
	Token          string
	ConversationID string
	AgentID        string

	Text string

	ToolName   string
	ToolCallID string
	ToolInput  map[string]any
	Round      int
	IsError    bool

	// Cancelled is set on the Done event of a cancelled turn.
	Cancelled bool
}
