package types

import "time"

// Architecture is the vendor SDK family a session uses.
type Architecture string

const (
	ArchitectureClaudeSDK Architecture = "claude-sdk"
	ArchitectureOpenCode  Architecture = "opencode"
)

// SessionRecord is the persisted identity of a session (spec.md §3).
// SessionOptions is architecture-specific and treated as an opaque blob by
// the host, the same way the teacher's types.Session carries opaque
// provider/model refs it never interprets itself.
type SessionRecord struct {
	SessionID       string         `json:"sessionId"`
	AgentProfileRef string         `json:"agentProfileRef"`
	Architecture    Architecture   `json:"architecture"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastActivityAt  time.Time      `json:"lastActivityAt"`
	SessionOptions  map[string]any `json:"sessionOptions,omitempty"`
}

// Touch bumps LastActivityAt to now.
func (r *SessionRecord) Touch(now time.Time) {
	r.LastActivityAt = now
}

// ActiveQuery describes the in-flight query, if any.
type ActiveQuery struct {
	StartedAt time.Time `json:"startedAt"`
	Prompt    string    `json:"prompt"`
}

// SessionRuntimeState is ephemeral — never persisted (spec.md §3).
type SessionRuntimeState struct {
	IsLoaded             bool                       `json:"isLoaded"`
	ExecutionEnvironment *ExecutionEnvironmentState `json:"executionEnvironment,omitempty"`
	ActiveQuery          *ActiveQuery               `json:"activeQuery,omitempty"`
}

// EEStatus is the lifecycle state of an ExecutionEnvironment (spec.md §4.3).
type EEStatus string

const (
	EEInactive   EEStatus = "inactive"
	EEStarting   EEStatus = "starting"
	EEReady      EEStatus = "ready"
	EEErrorState EEStatus = "error"
	EETerminated EEStatus = "terminated"
)

// EELastError captures the most recent EE-level failure.
type EELastError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionEnvironmentState is the supervisor-visible EE status snapshot.
type ExecutionEnvironmentState struct {
	Status          EEStatus     `json:"status"`
	ID              string       `json:"id,omitempty"`
	StatusMessage   string       `json:"statusMessage,omitempty"`
	LastHealthCheck *time.Time   `json:"lastHealthCheck,omitempty"`
	RestartCount    int          `json:"restartCount"`
	LastError       *EELastError `json:"lastError,omitempty"`
}

// WorkspaceFile is a file tracked per session.
type WorkspaceFile struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

// DebugEvent is a bounded-ring diagnostic record (spec.md §4.7).
type DebugEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Summary   string    `json:"summary"`
}

// SessionLogEntry is a bounded-ring human-readable log line (spec.md §4.7).
type SessionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// AgentProfile is the opaque-to-the-host description of an agent identity
// referenced by SessionRecord.AgentProfileRef (spec.md §6.2
// listAgentProfiles/loadAgentProfile), trimmed from the teacher's
// agent.Agent: no tool-permission wildcard matching (fine-grained
// authorization is a named Non-goal, spec.md §1), just enough for a Session
// to pick a default model/temperature.
type AgentProfile struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Architecture Architecture   `json:"architecture"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}
