// Package transcript implements TranscriptParser (spec.md §4.8): replaying
// a session's persisted raw-message transcript through the same
// converter+reducer path streaming uses, so replay and live streaming
// produce byte-identical ConversationState (invariant §3.5).
package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/sessionhost/internal/converter"
	"github.com/opencode-ai/sessionhost/internal/reducer"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// Combined is the "combined transcript" container format: one blob for the
// main conversation's raw messages, plus one per subagent.
type Combined struct {
	Main      json.RawMessage    `json:"main"`
	Subagents []SubagentArchive  `json:"subagents"`
}

// SubagentArchive is one subagent's own raw-message transcript blob.
type SubagentArchive struct {
	ID         string          `json:"id"`
	Transcript json.RawMessage `json:"transcript"`
}

// Parser replays transcripts for one architecture's Converter. A fresh
// Converter is used per parse so replay never shares state with a live
// session's Converter instance.
type Parser struct {
	newConverter func() converter.Converter
}

// New returns a Parser that constructs a fresh Converter per call via ctor.
func New(ctor func() converter.Converter) *Parser {
	return &Parser{newConverter: ctor}
}

// ParseCombinedTranscript rebuilds a full ConversationState (main plus every
// subagent) from the combined-transcript container, folding everything
// through reducer.Fold the same way live streaming does.
func (p *Parser) ParseCombinedTranscript(sessionID string, blob Combined) (*types.ConversationState, error) {
	state := types.NewConversationState()

	mainEvents, err := p.ParseOneTranscript(sessionID, types.MainConversationID, blob.Main)
	if err != nil {
		return nil, fmt.Errorf("parsing main transcript: %w", err)
	}
	state = reducer.FoldAll(state, mainEvents)

	for _, sub := range blob.Subagents {
		subEvents, err := p.ParseOneTranscript(sessionID, sub.ID, sub.Transcript)
		if err != nil {
			return nil, fmt.Errorf("parsing subagent %s transcript: %w", sub.ID, err)
		}
		state = reducer.FoldAll(state, subEvents)
	}

	return state, nil
}

// ParseOneTranscript decodes one NDJSON raw-message transcript into the
// SessionEvents it produces, tagging every event with conversationId so the
// reducer routes them to the right conversation. The parser uses a fresh
// Converter and feeds it every line in order, exactly as a live Runner
// would, so no replay-specific branching exists in the reducer. Event
// statuses are passed through as the Converter produces them, not
// rewritten to complete: a block the transcript opens but never closes
// stays pending.
func (p *Parser) ParseOneTranscript(sessionID, conversationID string, blob json.RawMessage) ([]types.SessionEvent, error) {
	var lines []json.RawMessage
	if err := json.Unmarshal(blob, &lines); err != nil {
		return nil, fmt.Errorf("decoding transcript lines: %w", err)
	}

	conv := p.newConverter()
	conv.SetSession(sessionID)

	var events []types.SessionEvent
	for i, line := range lines {
		parsed, err := conv.ParseEvent(line)
		if err != nil {
			return nil, fmt.Errorf("parsing transcript line %d: %w", i, err)
		}
		for _, e := range parsed {
			// Each conversation's raw lines are archived in their own blob
			// and replayed through a fresh Converter here, so a subagent's
			// blob never sees the Task tool_use that would otherwise mark
			// its content as belonging to a child conversation — the
			// Converter tags everything it sees "main" by default. Retag to
			// whichever conversation this blob belongs to;
			// subagent:spawned/completed events still carry their own child
			// id in the payload and are handled by the reducer regardless
			// of context here.
			e.Context.ConversationID = conversationID
			events = append(events, e)
		}
	}
	return events, nil
}
