// Package persistence implements the PersistenceAdapter contract
// (spec.md §6.2) and a reference filesystem implementation, grounded on
// the teacher's internal/storage package: same atomic-write-via-rename
// discipline and per-path flock, generalized from the teacher's generic
// JSON-document store into this host's session-record / transcript /
// workspace-file / agent-profile shape.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencode-ai/sessionhost/pkg/types"
)

// LoadedSession is everything LoadSession needs to rebuild a session's
// runtime state: its record, one raw-message transcript blob per
// conversation (main plus any subagents that have ever run), and its
// workspace file snapshot.
type LoadedSession struct {
	Record                    *types.SessionRecord
	TranscriptsByConversation map[string]json.RawMessage
	WorkspaceFiles            []*types.WorkspaceFile
}

// SessionRecordPatch is the "Partial<record>" of spec.md §6.2:
// UpdateSessionRecord only ever needs to touch these two fields in
// practice (activity heartbeat and architecture-specific session
// options), so a sparse struct of pointers/maps is used instead of a
// generic map[string]any, keeping callers type-checked.
type SessionRecordPatch struct {
	LastActivityAt *time.Time
	SessionOptions map[string]any
}

func (p SessionRecordPatch) apply(r *types.SessionRecord) {
	if p.LastActivityAt != nil {
		r.LastActivityAt = *p.LastActivityAt
	}
	if p.SessionOptions != nil {
		r.SessionOptions = p.SessionOptions
	}
}

// Adapter is the PersistenceAdapter contract (spec.md §6.2). Implementations
// must be append-friendly for SaveTranscript (no read-before-write) and
// safe for concurrent use across sessions.
type Adapter interface {
	ListAllSessions(ctx context.Context) ([]*types.SessionRecord, error)

	// LoadSession returns nil, nil if sessionID has no persisted record —
	// spec.md's "| null" result, not a NotFound error, since loadSession
	// is a existence probe as much as a load.
	LoadSession(ctx context.Context, sessionID string) (*LoadedSession, error)

	CreateSessionRecord(ctx context.Context, record *types.SessionRecord) error
	UpdateSessionRecord(ctx context.Context, sessionID string, patch SessionRecordPatch) error

	// DeleteSession removes a session's record, transcripts, and workspace
	// files entirely (spec.md §4.1 destroySession). Idempotent: deleting an
	// already-absent session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveTranscript appends one raw vendor message to the named
	// conversation's transcript. conversationID empty means the main
	// conversation.
	SaveTranscript(ctx context.Context, sessionID, conversationID string, rawMessage json.RawMessage) error

	SaveWorkspaceFile(ctx context.Context, sessionID string, file *types.WorkspaceFile) error
	DeleteSessionFile(ctx context.Context, sessionID, path string) error

	ListAgentProfiles(ctx context.Context) ([]string, error)
	LoadAgentProfile(ctx context.Context, id string) (*types.AgentProfile, error)
}
