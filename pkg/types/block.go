// Package types defines the architecture-agnostic conversation data model:
// blocks, conversation state, session records, and the session-event wire
// format. It plays the role the teacher's pkg/types (Message/Part) played,
// generalized from a flat message/part list to the block-and-subagent model
// this host's reducer operates on.
package types

import "encoding/json"

// BlockStatus reflects data finalization, not execution success (spec.md §3).
type BlockStatus string

const (
	BlockPending  BlockStatus = "pending"
	BlockComplete BlockStatus = "complete"
)

// BlockKind discriminates the Block tagged union.
type BlockKind string

const (
	KindUserMessage  BlockKind = "user_message"
	KindAssistant    BlockKind = "assistant_text"
	KindToolUse      BlockKind = "tool_use"
	KindToolResult   BlockKind = "tool_result"
	KindThinking     BlockKind = "thinking"
	KindSubagent     BlockKind = "subagent"
	KindSkillLoad    BlockKind = "skill_load"
	KindSystem       BlockKind = "system"
	KindError        BlockKind = "error"
)

// Block is a single unit of conversation content. Common fields live at the
// top level; kind-specific fields are carried alongside, with only the ones
// relevant to Kind populated — mirroring the teacher's types.Part variants
// (TextPart, ToolPart, ...) but collapsed into one struct instead of an
// interface-per-kind, since every Block still needs the common
// id/timestamp/status triple merged by the reducer regardless of kind.
type Block struct {
	ID        string      `json:"id"`
	Kind      BlockKind   `json:"kind"`
	Timestamp int64       `json:"timestamp"`
	Status    BlockStatus `json:"status"`

	// user_message / assistant_text / thinking / skill_load
	Content string `json:"content,omitempty"`

	// assistant_text
	Model string `json:"model,omitempty"`

	// tool_use
	ToolName    string          `json:"toolName,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`

	// tool_result (ToolUseID shared with tool_use)
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`

	// subagent
	SubagentID string `json:"subagentId,omitempty"`
	Name       string `json:"name,omitempty"`
	// Input/Output/DurationMs/ToolUseID shared with tool_use/tool_result above.

	// skill_load
	SkillName string `json:"skillName,omitempty"`

	// system
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message,omitempty"`

	// error
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// Clone returns a deep-enough copy for reducer immutability (invariant §3.1):
// a block with status=complete is replaced wholesale, never mutated in place.
func (b *Block) Clone() *Block {
	cp := *b
	if b.Input != nil {
		cp.Input = append(json.RawMessage(nil), b.Input...)
	}
	if b.DurationMs != nil {
		d := *b.DurationMs
		cp.DurationMs = &d
	}
	return &cp
}

// SubagentStatus is the lifecycle state of a child conversation.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
)

// SubagentConversation is a child conversation spawned by a tool invocation.
type SubagentConversation struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Blocks     []*Block       `json:"blocks"`
	Status     SubagentStatus `json:"status"`
	ToolUseID  string         `json:"toolUseId"`
	AgentID    string         `json:"agentId,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Output     string         `json:"output,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MainConversationID is the reserved conversationId for the primary thread.
const MainConversationID = "main"

// ConversationState is the pure-fold output of the reducer: the full
// conversation as seen so far, for the main thread and every subagent.
type ConversationState struct {
	Blocks         []*Block                 `json:"blocks"`
	Subagents      []*SubagentConversation  `json:"subagents"`
	Metadata       map[string]any           `json:"metadata,omitempty"`
}

// NewConversationState returns an empty initial state (spec.md §3 Lifecycle).
func NewConversationState() *ConversationState {
	return &ConversationState{
		Blocks:    []*Block{},
		Subagents: []*SubagentConversation{},
		Metadata:  map[string]any{},
	}
}

// Clone deep-copies the state so the reducer can return a new value per fold
// without the caller ever observing a torn read (invariant §3.4 determinism
// requires the old state to remain valid after a fold).
func (s *ConversationState) Clone() *ConversationState {
	cp := &ConversationState{
		Blocks:    make([]*Block, len(s.Blocks)),
		Subagents: make([]*SubagentConversation, len(s.Subagents)),
		Metadata:  make(map[string]any, len(s.Metadata)),
	}
	for i, b := range s.Blocks {
		cp.Blocks[i] = b.Clone()
	}
	for i, sc := range s.Subagents {
		scCp := *sc
		scCp.Blocks = make([]*Block, len(sc.Blocks))
		for j, b := range sc.Blocks {
			scCp.Blocks[j] = b.Clone()
		}
		if sc.Metadata != nil {
			scCp.Metadata = make(map[string]any, len(sc.Metadata))
			for k, v := range sc.Metadata {
				scCp.Metadata[k] = v
			}
		}
		cp.Subagents[i] = &scCp
	}
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// conversationBlocks returns a pointer to the block slice for the given
// conversationId ("main" or a subagent id), or ok=false if unknown.
func (s *ConversationState) conversationBlocks(conversationID string) (*[]*Block, bool) {
	if conversationID == "" || conversationID == MainConversationID {
		return &s.Blocks, true
	}
	for _, sc := range s.Subagents {
		if sc.ID == conversationID {
			return &sc.Blocks, true
		}
	}
	return nil, false
}

// FindBlock looks up a block by id within a conversation.
func (s *ConversationState) FindBlock(conversationID, blockID string) *Block {
	blocks, ok := s.conversationBlocks(conversationID)
	if !ok {
		return nil
	}
	for _, b := range *blocks {
		if b.ID == blockID {
			return b
		}
	}
	return nil
}

// FindSubagent looks up a subagent conversation by id.
func (s *ConversationState) FindSubagent(id string) *SubagentConversation {
	for _, sc := range s.Subagents {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

// FindSubagentByToolUseID looks up a subagent by the toolUseId that spawned
// it, used when agentId is not yet known (invariant §3.3).
func (s *ConversationState) FindSubagentByToolUseID(toolUseID string) *SubagentConversation {
	for _, sc := range s.Subagents {
		if sc.ToolUseID == toolUseID {
			return sc
		}
	}
	return nil
}
