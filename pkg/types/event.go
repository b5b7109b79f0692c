package types

// EventType enumerates the SessionEvent wire/internal types (spec.md §6.1).
// Named the way the teacher's event.EventType constants are named, scoped to
// this host's block/conversation model instead of message/part.
type EventType string

const (
	EventSessionInitialized EventType = "session:initialized"
	EventStatus             EventType = "status"
	EventOptionsUpdate      EventType = "options:update"
	EventBlockUpsert        EventType = "block:upsert"
	EventBlockDelta         EventType = "block:delta"
	EventMetadataUpdate     EventType = "metadata:update"
	EventSubagentSpawned    EventType = "subagent:spawned"
	EventSubagentCompleted  EventType = "subagent:completed"
	EventFileCreated        EventType = "file:created"
	EventFileModified       EventType = "file:modified"
	EventFileDeleted        EventType = "file:deleted"
	EventLog                EventType = "log"
	EventError              EventType = "error"
	EventEECreating         EventType = "ee:creating"
	EventEEReady            EventType = "ee:ready"
	EventEETerminated       EventType = "ee:terminated"
	EventEEError            EventType = "ee:error"
	EventQueryStarted       EventType = "query:started"
	EventQueryCompleted     EventType = "query:completed"
	EventQueryFailed        EventType = "query:failed"
	EventSessionIdle        EventType = "session:idle"
	EventTranscriptChanged  EventType = "transcript:changed" // internal only
)

// EventSource identifies who emitted an event.
type EventSource string

const (
	SourceRunner     EventSource = "runner"
	SourceSupervisor EventSource = "supervisor"
	SourceClient     EventSource = "client"
)

// EventContext is carried on every SessionEvent.
type EventContext struct {
	SessionID      string      `json:"sessionId"`
	ConversationID string      `json:"conversationId,omitempty"`
	Source         EventSource `json:"source"`
	TimestampMs    int64       `json:"timestampMs"`
}

// SessionEvent is the immutable record folded by the reducer and fanned out
// by the event bus (spec.md §6.1). Payload is one of the *Payload structs
// below depending on Type.
type SessionEvent struct {
	Type    EventType    `json:"type"`
	Payload any          `json:"payload"`
	Context EventContext `json:"context"`
}

// Payload types, one per EventType. Unused fields are omitted by consumers
// via type assertion — there is one payload struct per row of spec.md's
// §6.1 table, not a single kitchen-sink struct, so the reducer's switch
// statement stays exhaustive-checkable.

type SessionInitializedPayload struct {
	Record *SessionRecord `json:"record"`
}

type StatusPayload struct {
	Runtime *SessionRuntimeState `json:"runtime"`
}

type OptionsUpdatePayload struct {
	Options map[string]any `json:"options"`
}

type BlockUpsertPayload struct {
	Block *Block `json:"block"`
}

type BlockDeltaPayload struct {
	BlockID string `json:"blockId"`
	Delta   string `json:"delta"`
}

type MetadataUpdatePayload struct {
	Metadata map[string]any `json:"metadata"`
}

type SubagentSpawnedPayload struct {
	ToolUseID     string `json:"toolUseId"`
	AgentID       string `json:"agentId,omitempty"`
	Prompt        string `json:"prompt"`
	SubagentType  string `json:"subagentType,omitempty"`
	Description   string `json:"description,omitempty"`
}

type SubagentCompletedPayload struct {
	ToolUseID  string         `json:"toolUseId"`
	AgentID    string         `json:"agentId,omitempty"`
	Status     SubagentStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
}

// FileCreatedPayload / FileModifiedPayload carry the full workspace file so
// a newly-connected subscriber's cache can populate without a second round
// trip to PersistenceAdapter.
type FileCreatedPayload struct {
	File *WorkspaceFile `json:"file"`
}

type FileModifiedPayload struct {
	File *WorkspaceFile `json:"file"`
}

type FileDeletedPayload struct {
	Path string `json:"path"`
}

type FileChangedPayload struct {
	File *WorkspaceFile `json:"file,omitempty"`
	Path string         `json:"path,omitempty"`
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogPayload struct {
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type EEStatusPayload struct {
	EEID          string `json:"eeId,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

type QueryLifecyclePayload struct {
	Prompt string `json:"prompt,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type SessionIdlePayload struct {
	SessionID string `json:"sessionId"`
}

type TranscriptChangedPayload struct {
	ConversationID string `json:"conversationId"`
}
