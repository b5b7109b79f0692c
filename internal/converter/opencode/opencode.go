// Package opencode implements converter.Converter for the OpenCode-style
// vendor event stream: role is delivered via message.updated, content via
// message.part.updated correlated by messageID, grounded on the teacher's
// internal/event/types.go (MessageUpdatedData, MessagePartUpdatedData).
package opencode

import (
	"encoding/json"

	"github.com/opencode-ai/sessionhost/internal/ids"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("converter.opencode")

// message mirrors the subset of the teacher's types.Message this host
// needs: id, role, and the assigned model (when known).
type message struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// part mirrors the teacher's discriminated types.Part union — the fields
// this converter reads across every part kind it handles.
type part struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageID"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Time      *partTime       `json:"time,omitempty"`
}

type partTime struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// envelope is the outer {type, properties} shape every opencode bus event
// arrives in, matching the teacher's event.Event{Type, Properties}.
type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type messageUpdatedProps struct {
	Info message `json:"info"`
}

type partUpdatedProps struct {
	Part  part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

type sessionIdleProps struct {
	SessionID string `json:"sessionID"`
}

// Converter is one per-session instance of the OpenCode EventConverter.
type Converter struct {
	sessionID    string
	activePrompt string

	// blockIDs maps a vendor partID to this host's own block id, assigned
	// on first sight the way the teacher's reducer keys React state by
	// partID — kept here instead so the canonical Block.ID stays stable
	// across repeated message.part.updated deliveries for the same part.
	blockIDs map[string]string
	// messageRole remembers the role of each messageID seen via
	// message.updated, since a part update alone doesn't carry role.
	messageRole map[string]string
	// openSubagents maps a task part's callID to the subagent id once
	// spawned, for resolving its completion.
	openSubagents map[string]string

	// activeSubagentCallID is the callID of the task tool currently running,
	// if any. Parts observed while this is set belong to that subagent's
	// conversation instead of main (spec.md §8 scenario S2, mirroring the
	// claude-sdk converter's inline-subagent-turn tracking).
	activeSubagentCallID string
}

func New() *Converter {
	c := &Converter{}
	c.Reset()
	return c
}

func (c *Converter) SetSession(sessionID string)  { c.sessionID = sessionID }
func (c *Converter) SetActiveQuery(prompt string)  { c.activePrompt = prompt }

func (c *Converter) Reset() {
	c.blockIDs = map[string]string{}
	c.messageRole = map[string]string{}
	c.openSubagents = map[string]string{}
	c.activeSubagentCallID = ""
}

func (c *Converter) ctx(conversationID string) types.EventContext {
	return types.EventContext{SessionID: c.sessionID, ConversationID: conversationID, Source: types.SourceRunner}
}

// conversationID returns the conversationId a part observed right now
// belongs to: the active subagent's id while its task tool call is still
// running, main otherwise.
func (c *Converter) conversationID() string {
	if c.activeSubagentCallID == "" {
		return types.MainConversationID
	}
	if agentID := c.openSubagents[c.activeSubagentCallID]; agentID != "" {
		return agentID
	}
	return c.activeSubagentCallID
}

func (c *Converter) ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "message.updated":
		var p messageUpdatedProps
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, err
		}
		c.messageRole[p.Info.ID] = p.Info.Role
		if p.Info.Model == "" {
			return nil, nil
		}
		return []types.SessionEvent{{
			Type:    types.EventMetadataUpdate,
			Payload: types.MetadataUpdatePayload{Metadata: map[string]any{"model": p.Info.Model}},
			Context: c.ctx(c.conversationID()),
		}}, nil

	case "message.part.updated":
		var p partUpdatedProps
		if err := json.Unmarshal(env.Properties, &p); err != nil {
			return nil, err
		}
		return c.handlePart(p), nil

	case "session.idle":
		var p sessionIdleProps
		_ = json.Unmarshal(env.Properties, &p)
		c.Reset() // clear seen-parts scratch to prepare for the next turn (spec.md §4.5)
		return []types.SessionEvent{{
			Type:    types.EventSessionIdle,
			Payload: types.SessionIdlePayload{SessionID: p.SessionID},
			Context: c.ctx(types.MainConversationID),
		}}, nil

	default:
		log.Warn().Str("type", env.Type).Msg("opencode: unknown event type")
		return []types.SessionEvent{{
			Type:    types.EventLog,
			Payload: types.LogPayload{Level: types.LogWarn, Message: "unknown opencode event type: " + env.Type},
			Context: c.ctx(c.conversationID()),
		}}, nil
	}
}

func (c *Converter) handlePart(p partUpdatedProps) []types.SessionEvent {
	role := c.messageRole[p.Part.MessageID]

	switch p.Part.Type {
	case "text":
		return c.handleTextPart(p, role)
	case "tool":
		return c.handleToolPart(p)
	default:
		return nil
	}
}

func (c *Converter) handleTextPart(p partUpdatedProps, role string) []types.SessionEvent {
	id, seen := c.blockIDs[p.Part.ID]
	kind := types.KindAssistant
	if role == "user" {
		kind = types.KindUserMessage
	}

	if !seen {
		if role == "user" && p.Part.Text == c.activePrompt {
			return nil // echo of the prompt that started this query
		}
		id = ids.NewBlock()
		c.blockIDs[p.Part.ID] = id
		return []types.SessionEvent{{
			Type:    types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{ID: id, Kind: kind, Status: types.BlockPending, Content: p.Part.Text}},
			Context: c.ctx(c.conversationID()),
		}}
	}

	if p.Delta != "" {
		return []types.SessionEvent{{
			Type:    types.EventBlockDelta,
			Payload: types.BlockDeltaPayload{BlockID: id, Delta: p.Delta},
			Context: c.ctx(c.conversationID()),
		}}
	}

	// A part delivered again with full text and no delta marks completion.
	return []types.SessionEvent{{
		Type:    types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{ID: id, Status: types.BlockComplete, Content: p.Part.Text}},
		Context: c.ctx(c.conversationID()),
	}}
}

func (c *Converter) handleToolPart(p partUpdatedProps) []types.SessionEvent {
	id, seen := c.blockIDs[p.Part.ID]
	if !seen {
		id = ids.NewBlock()
		c.blockIDs[p.Part.ID] = id
	}

	status := types.BlockPending
	completed := p.Part.Time != nil && p.Part.Time.End != nil
	if completed {
		status = types.BlockComplete
	}

	// A task tool call that is both complete and still registered as open
	// closes that subagent; its own block and completion event land back in
	// main regardless of which conversation was active while it ran.
	agentID, open := c.openSubagents[p.Part.CallID]
	closesSubagent := p.Part.Tool == "task" && completed && open

	convID := c.conversationID()
	if closesSubagent {
		convID = types.MainConversationID
	}

	events := []types.SessionEvent{{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID: id, Kind: types.KindToolUse, Status: status,
			ToolName: p.Part.Tool, ToolUseID: p.Part.CallID, Input: p.Part.Input,
			Output: p.Part.Output, IsError: p.Part.Error != "",
		}},
		Context: c.ctx(convID),
	}}

	if p.Part.Tool == "task" {
		sessionID, _ := p.Part.Metadata["sessionId"].(string)
		if !completed {
			if !open && sessionID != "" {
				c.openSubagents[p.Part.CallID] = sessionID
				events = append(events, types.SessionEvent{
					Type:    types.EventSubagentSpawned,
					Payload: types.SubagentSpawnedPayload{ToolUseID: p.Part.CallID, AgentID: sessionID},
					Context: c.ctx(types.MainConversationID),
				})
				// The subagent's own parts arrive inline in this same
				// stream until its task tool call completes; route them to
				// its conversation instead of main (spec.md §8 scenario S2).
				c.activeSubagentCallID = p.Part.CallID
			}
		} else if closesSubagent {
			status := types.SubagentCompleted
			if p.Part.Error != "" {
				status = types.SubagentFailed
			}
			events = append(events, types.SessionEvent{
				Type: types.EventSubagentCompleted,
				Payload: types.SubagentCompletedPayload{
					ToolUseID: p.Part.CallID, AgentID: agentID, Status: status, Output: p.Part.Output,
				},
				Context: c.ctx(types.MainConversationID),
			})
			delete(c.openSubagents, p.Part.CallID)
			if c.activeSubagentCallID == p.Part.CallID {
				c.activeSubagentCallID = ""
			}
		}
	}

	return events
}
