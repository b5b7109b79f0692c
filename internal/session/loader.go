package session

import (
	"context"
	"fmt"

	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/internal/transcript"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// LoadConversationState reads a session's persisted transcripts and
// replays them through parser to rebuild the ConversationState held just
// before it was last unloaded (spec.md §4.1 loadSession, §8 invariant 1
// replay parity). Returns types.NewConversationState() unchanged if the
// session has never produced a transcript.
func LoadConversationState(ctx context.Context, adapter persistence.Adapter, sessionID string, parser *transcript.Parser) (*persistence.LoadedSession, *types.ConversationState, error) {
	loaded, err := adapter.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if loaded == nil {
		return nil, nil, nil
	}
	if len(loaded.TranscriptsByConversation) == 0 {
		return loaded, types.NewConversationState(), nil
	}

	combined := transcript.Combined{
		Main: loaded.TranscriptsByConversation[types.MainConversationID],
	}
	for conversationID, blob := range loaded.TranscriptsByConversation {
		if conversationID == types.MainConversationID {
			continue
		}
		combined.Subagents = append(combined.Subagents, transcript.SubagentArchive{ID: conversationID, Transcript: blob})
	}

	state, err := parser.ParseCombinedTranscript(sessionID, combined)
	if err != nil {
		return loaded, nil, fmt.Errorf("replaying transcript for %s: %w", sessionID, err)
	}
	return loaded, state, nil
}
