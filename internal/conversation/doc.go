// Package conversation runs chat turns on pooled backend sessions and
// publishes what happens as a single stream of ChatEvents.
//
// # Agents
//
// Every conversation belongs to an agent. The lead agent exists from New and
// may use every tool. Sub-agents are created with SpawnAgent and carry an
// allow-list; agents with the same allow-list share one backend session
// through the pool.
//
// # Turns
//
// SendTurn creates or continues a conversation and returns once the backend
// accepted the request. Progress notifications become events:
//
//   - EventDelta: a chunk of reply text
//   - EventAgentRound: the reply of one agent round
//   - EventToolCall and EventToolResult: a tool ran, locally or on the backend
//   - EventError: the turn failed
//   - EventDone: the turn is over, exactly once per turn
//
// Cancel, CloseAgent, Close and loss of the backend all end a turn with
// its Done event even if the backend never reports an end.
//
// # Tool callbacks
//
// Tool calls from the backend are routed to the owning conversation's agent.
// Tools outside the allow-list are rejected with an error result instead of
// failing the request. Workspace overrides set per conversation become the
// root for file tools.
package conversation
