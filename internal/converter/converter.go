// Package converter defines the EventConverter capability (spec.md §4.5):
// a per-architecture, stateful-per-session translator from a vendor's raw
// message stream into the canonical types.SessionEvent union. Concrete
// implementations live in the claudesdk and opencode subpackages, mirroring
// the teacher's one-interface-many-adapters shape (its provider.Provider,
// generalized here to the raw-message boundary instead of the
// model-completion boundary).
package converter

import (
	"encoding/json"

	"github.com/opencode-ai/sessionhost/pkg/types"
)

// Converter turns one raw vendor message into zero or more SessionEvents.
// Implementations are not safe for concurrent use — each Session owns
// exactly one Converter instance, consistent with spec.md §5's
// single-serial-executor-per-session model.
type Converter interface {
	// ParseEvent translates a single raw vendor message. sessionID and the
	// active conversationId are supplied by the caller via context fields
	// already set on returned events — implementations fill in
	// event.Context.SessionID/ConversationID themselves using state set by
	// SetSession/SetActiveQuery.
	ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error)

	// Reset clears all per-session scratch state (in-flight block ids,
	// accumulated deltas, subagent tracking). Called when a Session's
	// Converter is about to process a fresh query after an idle boundary,
	// or when a Session is reloaded from a transcript and streaming
	// resumes from scratch.
	Reset()

	// SetSession binds the sessionId this converter's emitted events carry.
	SetSession(sessionID string)

	// SetActiveQuery records the prompt that started the current query, so
	// the user-message-echo policy (spec.md §4.2) can recognize the
	// runner's echo of it and avoid appending a duplicate block.
	SetActiveQuery(prompt string)
}
