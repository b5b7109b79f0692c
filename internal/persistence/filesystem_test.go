package persistence_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

func newTestAdapter(t *testing.T) *persistence.FilesystemAdapter {
	t.Helper()
	return persistence.NewFilesystemAdapter(t.TempDir(), []string{"**/node_modules/**"})
}

func TestLoadSession_ReturnsNilForMissingSession(t *testing.T) {
	a := newTestAdapter(t)

	loaded, err := a.LoadSession(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCreateAndLoadSessionRecord_RoundTrips(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	record := &types.SessionRecord{
		SessionID:      "s1",
		Architecture:   types.ArchitectureClaudeSDK,
		CreatedAt:      time.Now().Truncate(time.Second),
		LastActivityAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, a.CreateSessionRecord(ctx, record))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.SessionID, loaded.Record.SessionID)
	assert.Equal(t, record.Architecture, loaded.Record.Architecture)
}

func TestUpdateSessionRecord_AppliesPartialPatch(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	record := &types.SessionRecord{
		SessionID:    "s1",
		Architecture: types.ArchitectureOpenCode,
		CreatedAt:    time.Now().Truncate(time.Second),
	}
	require.NoError(t, a.CreateSessionRecord(ctx, record))

	newActivity := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, a.UpdateSessionRecord(ctx, "s1", persistence.SessionRecordPatch{
		LastActivityAt: &newActivity,
		SessionOptions: map[string]any{"model": "test-model"},
	}))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Record.LastActivityAt.Equal(newActivity))
	assert.Equal(t, "test-model", loaded.Record.SessionOptions["model"])
	assert.Equal(t, types.ArchitectureOpenCode, loaded.Record.Architecture)
}

func TestListAllSessions_SkipsUnreadableRecords(t *testing.T) {
	dataDir := t.TempDir()
	a := persistence.NewFilesystemAdapter(dataDir, nil)
	ctx := context.Background()

	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))
	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s2"}))

	corrupt := filepath.Join(dataDir, "sessions", "s3")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, "record.json"), []byte("not json"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "sessions", "s4"), 0o755))

	records, err := a.ListAllSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSaveTranscript_AppendsNDJSONLines(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))
	require.NoError(t, a.SaveTranscript(ctx, "s1", "", json.RawMessage(`{"type":"text","value":"one"}`)))
	require.NoError(t, a.SaveTranscript(ctx, "s1", "", json.RawMessage(`{"type":"text","value":"two"}`)))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	raw, ok := loaded.TranscriptsByConversation["main"]
	require.True(t, ok)

	var lines []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &lines))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"text","value":"one"}`, string(lines[0]))
	assert.JSONEq(t, `{"type":"text","value":"two"}`, string(lines[1]))
}

func TestSaveTranscript_SeparatesConversations(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))
	require.NoError(t, a.SaveTranscript(ctx, "s1", "", json.RawMessage(`{"n":1}`)))
	require.NoError(t, a.SaveTranscript(ctx, "s1", "subagent-1", json.RawMessage(`{"n":2}`)))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, loaded.TranscriptsByConversation, "main")
	assert.Contains(t, loaded.TranscriptsByConversation, "subagent-1")
}

func TestSaveAndDeleteWorkspaceFile(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))

	content := "package main\n"
	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", &types.WorkspaceFile{Path: "main.go", Content: &content}))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.WorkspaceFiles, 1)
	assert.Equal(t, "main.go", loaded.WorkspaceFiles[0].Path)
	assert.Equal(t, content, *loaded.WorkspaceFiles[0].Content)

	require.NoError(t, a.DeleteSessionFile(ctx, "s1", "main.go"))
	loaded, err = a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, loaded.WorkspaceFiles)
}

func TestDeleteSessionFile_MissingFileIsNotAnError(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))
	assert.NoError(t, a.DeleteSessionFile(ctx, "s1", "never-existed.txt"))
}

func TestListWorkspaceFiles_FiltersIgnoredGlobs(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))

	kept := "console.log('hi')"
	ignored := "module.exports = {}"
	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", &types.WorkspaceFile{Path: "index.js", Content: &kept}))
	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", &types.WorkspaceFile{
		Path:    filepath.ToSlash(filepath.Join("node_modules", "dep", "index.js")),
		Content: &ignored,
	}))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.WorkspaceFiles, 1)
	assert.Equal(t, "index.js", loaded.WorkspaceFiles[0].Path)
}

func TestDeleteSession_RemovesRecordTranscriptsAndFiles(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateSessionRecord(ctx, &types.SessionRecord{SessionID: "s1"}))
	require.NoError(t, a.SaveTranscript(ctx, "s1", "", json.RawMessage(`{"n":1}`)))
	content := "hi"
	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", &types.WorkspaceFile{Path: "a.txt", Content: &content}))

	require.NoError(t, a.DeleteSession(ctx, "s1"))

	loaded, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDeleteSession_MissingSessionIsNotAnError(t *testing.T) {
	a := newTestAdapter(t)
	assert.NoError(t, a.DeleteSession(context.Background(), "never-existed"))
}

func TestAgentProfiles_ListAndLoad(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	profiles, err := a.ListAgentProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, profiles)

	_, err = a.LoadAgentProfile(ctx, "missing")
	require.Error(t, err)
}
