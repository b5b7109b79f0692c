package transcript

import (
	"encoding/json"
	"testing"

	"github.com/opencode-ai/sessionhost/internal/converter"
	"github.com/opencode-ai/sessionhost/internal/converter/claudesdk"
	"github.com/opencode-ai/sessionhost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParser() *Parser {
	return New(func() converter.Converter { return claudesdk.New(100) })
}

func jsonLines(lines ...string) json.RawMessage {
	raw := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		raw[i] = json.RawMessage(l)
	}
	data, _ := json.Marshal(raw)
	return data
}

func TestParseOneTranscript_TagsConversationID(t *testing.T) {
	p := newParser()
	blob := jsonLines(
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	)

	events, err := p.ParseOneTranscript("s1", "sub1", blob)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, "sub1", e.Context.ConversationID)
	}
}

func TestParseCombinedTranscript_FoldsMainAndSubagent(t *testing.T) {
	p := newParser()
	main := jsonLines(
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu1","name":"Task"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"prompt\":\"x\"}"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"4"}]}}`,
	)
	sub := jsonLines(
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	)

	state, err := p.ParseCombinedTranscript("s1", Combined{
		Main:      main,
		Subagents: []SubagentArchive{{ID: "tu1", Transcript: sub}},
	})
	require.NoError(t, err)

	require.Len(t, state.Subagents, 1)
	assert.Equal(t, types.SubagentCompleted, state.Subagents[0].Status)
	require.Len(t, state.Subagents[0].Blocks, 1)
}
