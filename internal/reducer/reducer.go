// Package reducer implements the pure conversation fold: (State, Event) ->
// State (spec.md §4.6). It is a leaf package — no I/O, no goroutines, no
// clock reads — so that streaming and transcript replay can call the exact
// same code and get byte-identical results (invariant §3.5).
package reducer

import (
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// Logger is used only for the "drop with log" boundary behaviors spec.md
// §8 requires (delta to unknown id, etc). It never affects the returned
// state, so determinism (invariant §3.4) is unaffected by log configuration.
var Logger = logging.Named("reducer")

// Fold applies a single event to state and returns the resulting state. It
// never mutates its input — state.Clone() is taken up front — matching
// invariant §3.1 (a complete block is replaced, never mutated in place).
func Fold(state *types.ConversationState, event types.SessionEvent) *types.ConversationState {
	next := state.Clone()
	conversationID := event.Context.ConversationID
	if conversationID == "" {
		conversationID = types.MainConversationID
	}

	switch event.Type {
	case types.EventBlockUpsert:
		payload, ok := event.Payload.(types.BlockUpsertPayload)
		if !ok || payload.Block == nil {
			return next
		}
		upsertBlock(next, conversationID, payload.Block)

	case types.EventBlockDelta:
		payload, ok := event.Payload.(types.BlockDeltaPayload)
		if !ok {
			return next
		}
		applyDelta(next, conversationID, payload.BlockID, payload.Delta)

	case types.EventSubagentSpawned:
		payload, ok := event.Payload.(types.SubagentSpawnedPayload)
		if !ok {
			return next
		}
		spawnSubagent(next, payload)

	case types.EventSubagentCompleted:
		payload, ok := event.Payload.(types.SubagentCompletedPayload)
		if !ok {
			return next
		}
		completeSubagent(next, payload)

	case types.EventMetadataUpdate:
		payload, ok := event.Payload.(types.MetadataUpdatePayload)
		if !ok {
			return next
		}
		mergeMetadata(next, conversationID, payload.Metadata)

	case types.EventSessionIdle:
		finalizeConversation(next, conversationID)

	default:
		// Handled elsewhere: files, logs, EE status, query lifecycle.
	}

	return next
}

// FoldAll folds a sequence of events in order, used by both the live
// streaming path and TranscriptParser.parseCombinedTranscript (invariant
// §3.5 stream/replay parity).
func FoldAll(initial *types.ConversationState, events []types.SessionEvent) *types.ConversationState {
	state := initial
	for _, e := range events {
		state = Fold(state, e)
	}
	return state
}

func upsertBlock(state *types.ConversationState, conversationID string, incoming *types.Block) {
	blocks, ok := conversationSlice(state, conversationID)
	if !ok {
		Logger.Warn().Str("conversationId", conversationID).Str("blockId", incoming.ID).
			Msg("block:upsert for unknown conversation")
		return
	}

	for i, existing := range *blocks {
		if existing.ID != incoming.ID {
			continue
		}
		merged := mergeBlock(existing, incoming)
		(*blocks)[i] = merged
		return
	}

	// New id: append, preserving event order (invariant table row 1).
	*blocks = append(*blocks, incoming.Clone())
}

// mergeBlock shallow-merges incoming into existing. status may advance
// pending->complete but never reverse (reducer table row 2).
func mergeBlock(existing, incoming *types.Block) *types.Block {
	merged := existing.Clone()

	if incoming.Content != "" {
		merged.Content = incoming.Content
	}
	if incoming.Model != "" {
		merged.Model = incoming.Model
	}
	if incoming.ToolName != "" {
		merged.ToolName = incoming.ToolName
	}
	if incoming.Input != nil {
		merged.Input = incoming.Input
	}
	if incoming.DisplayName != "" {
		merged.DisplayName = incoming.DisplayName
	}
	if incoming.Output != "" {
		merged.Output = incoming.Output
	}
	if incoming.IsError {
		merged.IsError = true
	}
	if incoming.DurationMs != nil {
		merged.DurationMs = incoming.DurationMs
	}
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.SkillName != "" {
		merged.SkillName = incoming.SkillName
	}
	if incoming.Message != "" {
		merged.Message = incoming.Message
	}
	if incoming.ErrorMessage != "" {
		merged.ErrorMessage = incoming.ErrorMessage
	}
	if incoming.ErrorCode != "" {
		merged.ErrorCode = incoming.ErrorCode
	}
	if incoming.Timestamp != 0 {
		merged.Timestamp = incoming.Timestamp
	}

	// status: pending -> complete only, never reverse.
	if merged.Status != types.BlockComplete && incoming.Status == types.BlockComplete {
		merged.Status = types.BlockComplete
	} else if merged.Status == "" {
		merged.Status = incoming.Status
	}

	return merged
}

func applyDelta(state *types.ConversationState, conversationID, blockID, delta string) {
	blocks, ok := conversationSlice(state, conversationID)
	if !ok {
		Logger.Error().Str("conversationId", conversationID).Str("blockId", blockID).
			Msg("block:delta for unknown conversation")
		return
	}

	for i, b := range *blocks {
		if b.ID != blockID {
			continue
		}
		if b.Status != types.BlockPending {
			// Deltas are only permitted on pending blocks (invariant §3.1).
			Logger.Error().Str("blockId", blockID).Msg("block:delta on non-pending block, dropped")
			return
		}
		updated := b.Clone()
		updated.Content += delta
		(*blocks)[i] = updated
		return
	}

	// Delta to unknown id: dropped + one log{error} (spec.md §8 boundary).
	Logger.Error().Str("conversationId", conversationID).Str("blockId", blockID).
		Msg("block:delta for unknown block, dropped")
}

func spawnSubagent(state *types.ConversationState, payload types.SubagentSpawnedPayload) {
	id := payload.AgentID
	if id == "" {
		id = payload.ToolUseID
	}

	if state.FindSubagent(id) != nil {
		return // already spawned; spawned-exactly-once per id
	}

	sc := &types.SubagentConversation{
		ID:        id,
		Name:      payload.SubagentType,
		Blocks:    []*types.Block{},
		Status:    types.SubagentRunning,
		ToolUseID: payload.ToolUseID,
		AgentID:   payload.AgentID,
		Prompt:    payload.Prompt,
	}
	state.Subagents = append(state.Subagents, sc)

	// Append a subagent block in the parent (main) conversation.
	state.Blocks = append(state.Blocks, &types.Block{
		ID:         payload.ToolUseID,
		Kind:       types.KindSubagent,
		Status:     types.BlockPending,
		SubagentID: id,
		Name:       payload.SubagentType,
		ToolUseID:  payload.ToolUseID,
	})
}

func completeSubagent(state *types.ConversationState, payload types.SubagentCompletedPayload) {
	id := payload.AgentID
	var sc *types.SubagentConversation
	if id != "" {
		sc = state.FindSubagent(id)
	}
	if sc == nil {
		sc = state.FindSubagentByToolUseID(payload.ToolUseID)
	}
	if sc == nil {
		Logger.Warn().Str("toolUseId", payload.ToolUseID).Msg("subagent:completed with no matching spawn")
		return
	}

	sc.Status = payload.Status
	sc.Output = payload.Output
	sc.DurationMs = payload.DurationMs

	// Mark the corresponding subagent block in main complete.
	for i, b := range state.Blocks {
		if b.Kind == types.KindSubagent && b.ToolUseID == sc.ToolUseID {
			updated := b.Clone()
			updated.Status = types.BlockComplete
			updated.Output = payload.Output
			updated.DurationMs = payload.DurationMs
			state.Blocks[i] = updated
			break
		}
	}
}

func mergeMetadata(state *types.ConversationState, conversationID string, metadata map[string]any) {
	var target map[string]any
	if conversationID == types.MainConversationID {
		if state.Metadata == nil {
			state.Metadata = map[string]any{}
		}
		target = state.Metadata
	} else if sc := state.FindSubagent(conversationID); sc != nil {
		if sc.Metadata == nil {
			sc.Metadata = map[string]any{}
		}
		target = sc.Metadata
	} else {
		return
	}
	for k, v := range metadata {
		target[k] = v
	}
}

func finalizeConversation(state *types.ConversationState, conversationID string) {
	blocks, ok := conversationSlice(state, conversationID)
	if !ok {
		return
	}
	for i, b := range *blocks {
		if b.Status == types.BlockPending {
			updated := b.Clone()
			updated.Status = types.BlockComplete
			(*blocks)[i] = updated
		}
	}
}

func conversationSlice(state *types.ConversationState, conversationID string) (*[]*types.Block, bool) {
	if conversationID == "" || conversationID == types.MainConversationID {
		return &state.Blocks, true
	}
	if sc := state.FindSubagent(conversationID); sc != nil {
		return &sc.Blocks, true
	}
	return nil, false
}
