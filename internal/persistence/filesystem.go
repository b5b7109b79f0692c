package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("persistence")

const mainConversationFile = "main"

// FilesystemAdapter is the reference Adapter: one directory tree per data
// root, one subdirectory per session, atomic-write-via-rename for
// documents and append-only writes for transcripts. Grounded on the
// teacher's storage.Storage (Get/Put/List/Scan over a base path, with a
// FileLock per target path), generalized from one flat JSON-document
// store into this host's record/transcript/workspace/profile layout.
type FilesystemAdapter struct {
	dataDir     string
	ignoreGlobs []string
	mu          sync.Mutex
	locks       map[string]*fileLock
}

// NewFilesystemAdapter roots the adapter at dataDir (normally
// config.Paths.SessionsPath()'s parent). ignoreGlobs are doublestar
// patterns (e.g. "**/node_modules/**") excluded when workspace files are
// listed back out of a loaded session.
func NewFilesystemAdapter(dataDir string, ignoreGlobs []string) *FilesystemAdapter {
	return &FilesystemAdapter{
		dataDir:     dataDir,
		ignoreGlobs: ignoreGlobs,
		locks:       make(map[string]*fileLock),
	}
}

func (a *FilesystemAdapter) lockFor(path string) *fileLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[path]
	if !ok {
		l = newFileLock(path)
		a.locks[path] = l
	}
	return l
}

func (a *FilesystemAdapter) sessionDir(sessionID string) string {
	return filepath.Join(a.dataDir, "sessions", sessionID)
}

func (a *FilesystemAdapter) recordPath(sessionID string) string {
	return filepath.Join(a.sessionDir(sessionID), "record.json")
}

func (a *FilesystemAdapter) transcriptPath(sessionID, conversationID string) string {
	if conversationID == "" {
		conversationID = mainConversationFile
	}
	return filepath.Join(a.sessionDir(sessionID), "transcripts", conversationID+".ndjson")
}

func (a *FilesystemAdapter) workspaceDir(sessionID string) string {
	return filepath.Join(a.sessionDir(sessionID), "workspace")
}

func (a *FilesystemAdapter) workspacePath(sessionID, relPath string) string {
	return filepath.Join(a.workspaceDir(sessionID), filepath.FromSlash(relPath))
}

func (a *FilesystemAdapter) agentProfilesDir() string {
	return filepath.Join(a.dataDir, "agent-profiles")
}

// atomicWriteJSON marshals v and writes it to path via a temp-file-then-rename,
// matching the teacher's storage.Storage.Put.
func (a *FilesystemAdapter) atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file for %s: %w", path, err)
	}
	return nil
}

func (a *FilesystemAdapter) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hosterr.New(hosterr.NotFound, path)
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", path, err)
	}
	return nil
}

func (a *FilesystemAdapter) ListAllSessions(ctx context.Context) ([]*types.SessionRecord, error) {
	sessionsDir := filepath.Join(a.dataDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var records []*types.SessionRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var record types.SessionRecord
		if err := a.readJSON(a.recordPath(entry.Name()), &record); err != nil {
			if hosterr.CodeOf(err) == hosterr.NotFound {
				continue
			}
			log.Warn().Err(err).Str("sessionId", entry.Name()).Msg("skipping unreadable session record")
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

func (a *FilesystemAdapter) LoadSession(ctx context.Context, sessionID string) (*LoadedSession, error) {
	var record types.SessionRecord
	if err := a.readJSON(a.recordPath(sessionID), &record); err != nil {
		if hosterr.CodeOf(err) == hosterr.NotFound {
			return nil, nil
		}
		return nil, err
	}

	transcripts, err := a.loadTranscripts(sessionID)
	if err != nil {
		return nil, err
	}

	files, err := a.listWorkspaceFiles(sessionID)
	if err != nil {
		return nil, err
	}

	return &LoadedSession{
		Record:                    &record,
		TranscriptsByConversation: transcripts,
		WorkspaceFiles:            files,
	}, nil
}

// loadTranscripts reads each conversation's .ndjson transcript into the
// json.RawMessage-array-of-lines shape internal/transcript.Parser expects.
func (a *FilesystemAdapter) loadTranscripts(sessionID string) (map[string]json.RawMessage, error) {
	dir := filepath.Join(a.sessionDir(sessionID), "transcripts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing transcripts for %s: %w", sessionID, err)
	}

	result := make(map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ndjson") {
			continue
		}
		conversationID := strings.TrimSuffix(entry.Name(), ".ndjson")

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading transcript %s/%s: %w", sessionID, entry.Name(), err)
		}
		lines := splitNDJSONLines(data)

		raw, err := json.Marshal(lines)
		if err != nil {
			return nil, fmt.Errorf("encoding transcript lines for %s/%s: %w", sessionID, entry.Name(), err)
		}
		result[conversationID] = raw
	}
	return result, nil
}

func splitNDJSONLines(data []byte) []json.RawMessage {
	var lines []json.RawMessage
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, json.RawMessage(line))
	}
	return lines
}

func (a *FilesystemAdapter) CreateSessionRecord(ctx context.Context, record *types.SessionRecord) error {
	return a.atomicWriteJSON(a.recordPath(record.SessionID), record)
}

func (a *FilesystemAdapter) UpdateSessionRecord(ctx context.Context, sessionID string, patch SessionRecordPatch) error {
	path := a.recordPath(sessionID)

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}

	var record types.SessionRecord
	if err := a.readJSON(path, &record); err != nil {
		lock.Unlock()
		return err
	}
	patch.apply(&record)
	lock.Unlock()

	return a.atomicWriteJSON(path, &record)
}

// DeleteSession removes a session's entire on-disk directory (record,
// transcripts, workspace files). Grounded on the teacher's
// Service.Delete + Storage.Delete pair, generalized from deleting one
// document at a time to removing the whole per-session subtree in one
// call, since this adapter lays a session out as a directory rather than
// the teacher's flat key-per-document store.
func (a *FilesystemAdapter) DeleteSession(ctx context.Context, sessionID string) error {
	if err := os.RemoveAll(a.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// SaveTranscript appends one raw message as its own NDJSON line.
// Append-friendly: opens in O_APPEND mode, no read of the existing file is
// ever required (spec.md §6.2).
func (a *FilesystemAdapter) SaveTranscript(ctx context.Context, sessionID, conversationID string, rawMessage json.RawMessage) error {
	path := a.transcriptPath(sessionID, conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating transcript directory: %w", err)
	}

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(append([]byte(nil), rawMessage...), '\n')); err != nil {
		return fmt.Errorf("appending to transcript %s: %w", path, err)
	}
	return nil
}

func (a *FilesystemAdapter) SaveWorkspaceFile(ctx context.Context, sessionID string, file *types.WorkspaceFile) error {
	path := a.workspacePath(sessionID, file.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	lock := a.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()

	content := ""
	if file.Content != nil {
		content = *file.Content
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing workspace temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming workspace file: %w", err)
	}
	return nil
}

func (a *FilesystemAdapter) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	full := a.workspacePath(sessionID, path)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting workspace file %s: %w", full, err)
	}
	return nil
}

// listWorkspaceFiles walks a session's workspace directory, filtering out
// anything matching an ignore glob (e.g. "**/node_modules/**").
func (a *FilesystemAdapter) listWorkspaceFiles(sessionID string) ([]*types.WorkspaceFile, error) {
	root := a.workspaceDir(sessionID)
	var files []*types.WorkspaceFile

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if a.isIgnored(rel) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading workspace file %s: %w", path, err)
		}
		content := string(data)
		files = append(files, &types.WorkspaceFile{Path: rel, Content: &content})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return files, nil
}

func (a *FilesystemAdapter) isIgnored(relPath string) bool {
	for _, pattern := range a.ignoreGlobs {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

func (a *FilesystemAdapter) ListAgentProfiles(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.agentProfilesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing agent profiles: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml") {
			ids = append(ids, strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml"))
		}
	}
	return ids, nil
}

func (a *FilesystemAdapter) LoadAgentProfile(ctx context.Context, id string) (*types.AgentProfile, error) {
	path := filepath.Join(a.agentProfilesDir(), id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, hosterr.New(hosterr.NotFound, "agent profile "+id)
		}
		return nil, fmt.Errorf("reading agent profile %s: %w", id, err)
	}

	var profile types.AgentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parsing agent profile %s: %w", id, err)
	}
	return &profile, nil
}

var _ Adapter = (*FilesystemAdapter)(nil)
