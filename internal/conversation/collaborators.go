// ABOUTME: External collaborators of the orchestrator: prior history in, finished turns out.

package conversation

import (
	"context"
	"time"
)

// Message roles understood by HistorySource.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior message of a conversation.
type Message struct {
	Role    string
	Content string
}

// HistorySource supplies messages that precede a new conversation. They are
// embedded in the create request.
type HistorySource interface {
	Messages() []Message
}

// StaticHistory is a HistorySource over a fixed slice.
type StaticHistory []Message

func (h StaticHistory) Messages() []Message { return h }

// TurnRecord is the terminal state of one turn.
type TurnRecord struct {
	Token          string
	ConversationID string
	AgentID        string
	Prompt         string
	Reply          string
	Cancelled      bool
	Err            string
	StartedAt      time.Time
	EndedAt        time.Time
}

// TranscriptSink receives every finished turn. RecordTurn runs on the
// backend read loop and must return quickly.
type TranscriptSink interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// TranscriptFunc adapts a function to TranscriptSink.
type TranscriptFunc func(ctx context.Context, rec TurnRecord) error

func (f TranscriptFunc) RecordTurn(ctx context.Context, rec TurnRecord) error { return f(ctx, rec) }
