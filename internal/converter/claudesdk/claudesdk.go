// Package claudesdk implements converter.Converter for the Claude CLI's
// `--output-format stream-json --include-partial-messages` NDJSON stream,
// grounded on the envelope wingedpig-trellis's internal/claude/manager.go
// parses (StreamEvent.{type,subtype,message,event,...}).
package claudesdk

import (
	"encoding/json"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opencode-ai/sessionhost/internal/ids"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("converter.claudesdk")

// envelope mirrors the outer NDJSON line shape.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Cost      float64         `json:"total_cost_usd,omitempty"`
}

// innerEvent mirrors one Anthropic Messages-API streaming event, carried
// inside envelope.Event when Type=="stream_event".
type innerEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Usage        *usage          `json:"usage,omitempty"`
}

type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type taskInput struct {
	Prompt      string `json:"prompt"`
	SubagentType string `json:"subagent_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// skillPattern implements spec.md §6.5's skill-injection detection.
var skillPattern = regexp.MustCompile(`(?m)^#\s.*\bSkill\b`)

const skillBaseDirMarker = "Base directory for this skill:"
const skillReadMarker = "read_skill_file with skill="

// Converter is one per-session instance of the Claude-SDK EventConverter.
type Converter struct {
	sessionID    string
	activePrompt string

	// currentBlock maps the Anthropic content-block index of the in-flight
	// assistant message to our own block id, so deltas/stops can find it.
	currentBlock map[int]string
	// blockKind remembers which BlockKind each index resolved to, since
	// content_block_stop needs it without re-deriving from partial state.
	blockKind map[int]types.BlockKind
	// toolInputBuf accumulates streamed partial_json per index until
	// content_block_stop, the way the teacher's streamPartialJSON field does.
	toolInputBuf map[int]*strings.Builder
	toolName     map[int]string
	toolUseID    map[int]string

	// subagentPrompts is the LRU-bounded table from spec.md §4.2: prompts
	// registered by a Task tool_use, checked against subsequent user
	// messages so the runner's echo of the subagent prompt is suppressed
	// from the main conversation instead of appearing as a duplicate.
	subagentPrompts *lru.Cache[string, string] // prompt -> toolUseId

	// openSubagents tracks toolUseId -> agentId for subagents spawned but
	// not yet completed, so a later tool_result/user event can resolve
	// which conversationId it belongs to. No agentId is read from the
	// stream, so every value is empty and subagents stay keyed by toolUseId.
	openSubagents map[string]string

	// activeSubagentToolUseID is the toolUseId of the subagent currently
	// running inline in the stream, if any. The Claude CLI runs a Task
	// subagent's own turn serially within the same NDJSON stream, between
	// the Task tool_use's content_block_stop and its tool_result — blocks
	// observed while this is set belong to that subagent's conversation,
	// not main (spec.md §8 scenario S2).
	activeSubagentToolUseID string
}

// New returns a Converter with the given subagent-prompt LRU size
// (Configuration.SubagentPromptCacheSize, spec.md §6.4).
func New(promptCacheSize int) *Converter {
	if promptCacheSize <= 0 {
		promptCacheSize = 100
	}
	cache, _ := lru.New[string, string](promptCacheSize)
	c := &Converter{subagentPrompts: cache}
	c.Reset()
	return c
}

func (c *Converter) SetSession(sessionID string) { c.sessionID = sessionID }
func (c *Converter) SetActiveQuery(prompt string) { c.activePrompt = prompt }

func (c *Converter) Reset() {
	c.currentBlock = map[int]string{}
	c.blockKind = map[int]types.BlockKind{}
	c.toolInputBuf = map[int]*strings.Builder{}
	c.toolName = map[int]string{}
	c.toolUseID = map[int]string{}
	c.openSubagents = map[string]string{}
	c.activeSubagentToolUseID = ""
}

func (c *Converter) ctx(conversationID string) types.EventContext {
	return types.EventContext{SessionID: c.sessionID, ConversationID: conversationID, Source: types.SourceRunner}
}

// conversationID returns the conversationId that a block/delta/log event
// observed right now belongs to: the active subagent's id (agentId once
// known, else its toolUseId) while one is running inline in the stream,
// main otherwise.
func (c *Converter) conversationID() string {
	if c.activeSubagentToolUseID == "" {
		return types.MainConversationID
	}
	if agentID := c.openSubagents[c.activeSubagentToolUseID]; agentID != "" {
		return agentID
	}
	return c.activeSubagentToolUseID
}

func (c *Converter) ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "system":
		return nil, nil

	case "stream_event":
		return c.parseInner(env.Event)

	case "user":
		return c.parseUserEcho(env.Message), nil

	case "result":
		ev := types.SessionEvent{
			Type: types.EventMetadataUpdate,
			Payload: types.MetadataUpdatePayload{Metadata: map[string]any{
				"costUsd": env.Cost,
			}},
			Context: c.ctx(types.MainConversationID),
		}
		return []types.SessionEvent{ev}, nil

	default:
		log.Warn().Str("type", env.Type).Msg("claudesdk: unknown envelope type")
		return []types.SessionEvent{c.logEvent(types.LogWarn, "unknown claude-sdk event type: "+env.Type)}, nil
	}
}

func (c *Converter) logEvent(level types.LogLevel, msg string) types.SessionEvent {
	return types.SessionEvent{
		Type:    types.EventLog,
		Payload: types.LogPayload{Level: level, Message: msg},
		Context: c.ctx(c.conversationID()),
	}
}

func (c *Converter) parseInner(raw json.RawMessage) ([]types.SessionEvent, error) {
	var ev innerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "content_block_start":
		return c.handleBlockStart(ev)
	case "content_block_delta":
		return c.handleBlockDelta(ev)
	case "content_block_stop":
		return c.handleBlockStop(ev)
	case "message_delta":
		if ev.Usage != nil {
			return []types.SessionEvent{{
				Type: types.EventMetadataUpdate,
				Payload: types.MetadataUpdatePayload{Metadata: map[string]any{
					"inputTokens":  ev.Usage.InputTokens,
					"outputTokens": ev.Usage.OutputTokens,
				}},
				Context: c.ctx(c.conversationID()),
			}}, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (c *Converter) handleBlockStart(ev innerEvent) ([]types.SessionEvent, error) {
	var block contentBlock
	if err := json.Unmarshal(ev.ContentBlock, &block); err != nil {
		return nil, err
	}

	id := ids.NewBlock()
	c.currentBlock[ev.Index] = id

	switch block.Type {
	case "text":
		c.blockKind[ev.Index] = types.KindAssistant
		return []types.SessionEvent{{
			Type:    types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{ID: id, Kind: types.KindAssistant, Status: types.BlockPending}},
			Context: c.ctx(c.conversationID()),
		}}, nil

	case "thinking":
		c.blockKind[ev.Index] = types.KindThinking
		return []types.SessionEvent{{
			Type:    types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{ID: id, Kind: types.KindThinking, Status: types.BlockPending}},
			Context: c.ctx(c.conversationID()),
		}}, nil

	case "tool_use":
		c.blockKind[ev.Index] = types.KindToolUse
		c.toolName[ev.Index] = block.Name
		c.toolUseID[ev.Index] = block.ID
		c.toolInputBuf[ev.Index] = &strings.Builder{}
		return []types.SessionEvent{{
			Type: types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{
				ID: id, Kind: types.KindToolUse, Status: types.BlockPending,
				ToolName: block.Name, ToolUseID: block.ID,
			}},
			Context: c.ctx(c.conversationID()),
		}}, nil

	case "tool_result":
		c.blockKind[ev.Index] = types.KindToolResult
		return c.toolResultEvents(id, block), nil

	default:
		return nil, nil
	}
}

func (c *Converter) handleBlockDelta(ev innerEvent) ([]types.SessionEvent, error) {
	var d delta
	if err := json.Unmarshal(ev.Delta, &d); err != nil {
		return nil, err
	}

	id, ok := c.currentBlock[ev.Index]
	if !ok {
		return []types.SessionEvent{c.logEvent(types.LogError, "content_block_delta for unknown index")}, nil
	}

	switch d.Type {
	case "text_delta", "thinking_delta":
		text := d.Text
		return []types.SessionEvent{{
			Type:    types.EventBlockDelta,
			Payload: types.BlockDeltaPayload{BlockID: id, Delta: text},
			Context: c.ctx(c.conversationID()),
		}}, nil

	case "input_json_delta":
		if buf, ok := c.toolInputBuf[ev.Index]; ok {
			buf.WriteString(d.PartialJSON)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (c *Converter) handleBlockStop(ev innerEvent) ([]types.SessionEvent, error) {
	id, ok := c.currentBlock[ev.Index]
	if !ok {
		return nil, nil
	}
	kind := c.blockKind[ev.Index]

	if kind != types.KindToolUse {
		events := []types.SessionEvent{{
			Type:    types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{ID: id, Status: types.BlockComplete}},
			Context: c.ctx(c.conversationID()),
		}}
		return events, nil
	}

	toolName := c.toolName[ev.Index]
	toolUseID := c.toolUseID[ev.Index]
	rawInput := json.RawMessage(c.toolInputBuf[ev.Index].String())

	events := []types.SessionEvent{{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID: id, Kind: types.KindToolUse, Status: types.BlockComplete,
			ToolName: toolName, ToolUseID: toolUseID, Input: rawInput,
		}},
		Context: c.ctx(c.conversationID()),
	}}

	if toolName == "Task" {
		var in taskInput
		_ = json.Unmarshal(rawInput, &in)
		c.subagentPrompts.Add(in.Prompt, toolUseID)
		c.openSubagents[toolUseID] = "" // agentId is never read, not even from the tool_result
		events = append(events, types.SessionEvent{
			Type: types.EventSubagentSpawned,
			Payload: types.SubagentSpawnedPayload{
				ToolUseID: toolUseID, Prompt: in.Prompt,
				SubagentType: in.SubagentType, Description: in.Description,
			},
			Context: c.ctx(types.MainConversationID),
		})
		// The Task's own turn runs serially, inline in this same stream,
		// until its tool_result arrives; route the blocks in between to its
		// conversation instead of main (spec.md §8 scenario S2).
		c.activeSubagentToolUseID = toolUseID
	}

	return events, nil
}

// toolResultEvents handles a tool_result content block. A tool_result whose
// toolUseId matches an open subagent closes it (spec.md §3.3 identity
// resolution falls back to toolUseId when agentId was never observed) and
// always lands back in main, regardless of which conversation was active
// while the subagent's turn ran inline.
func (c *Converter) toolResultEvents(id string, block contentBlock) []types.SessionEvent {
	agentID, closesSubagent := c.openSubagents[block.ToolUseID]

	convID := c.conversationID()
	if closesSubagent {
		convID = types.MainConversationID
	}

	events := []types.SessionEvent{{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID: id, Kind: types.KindToolResult, Status: types.BlockComplete,
			ToolUseID: block.ToolUseID, Output: block.Content, IsError: block.IsError,
		}},
		Context: c.ctx(convID),
	}}

	if closesSubagent {
		status := types.SubagentCompleted
		if block.IsError {
			status = types.SubagentFailed
		}
		events = append(events, types.SessionEvent{
			Type: types.EventSubagentCompleted,
			Payload: types.SubagentCompletedPayload{
				ToolUseID: block.ToolUseID, AgentID: agentID,
				Status: status, Output: block.Content,
			},
			Context: c.ctx(types.MainConversationID),
		})
		delete(c.openSubagents, block.ToolUseID)
		if c.activeSubagentToolUseID == block.ToolUseID {
			c.activeSubagentToolUseID = ""
		}
	}

	return events
}

// parseUserEcho handles envelope.Type=="user" lines: the CLI's echo of tool
// results and of the prompt that started a turn — either the main turn's or
// an open subagent's. A prompt matching a registered Task prompt is routed
// into that subagent's own conversation instead of main (spec.md §4.2,
// §8 scenario S2 "child-conversation block:upsert{user_message} filtered
// from main").
func (c *Converter) parseUserEcho(raw json.RawMessage) []types.SessionEvent {
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []types.SessionEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_result":
			events = append(events, c.toolResultEvents(ids.NewBlock(), block)...)
		case "text":
			if toolUseID, suppressed := c.subagentPrompts.Get(block.Text); suppressed {
				events = append(events, c.subagentPromptEvent(toolUseID, block.Text))
				continue
			}
			if block.Text == c.activePrompt {
				continue // echo of the prompt that started this query
			}
			events = append(events, c.userTextEvent(block.Text))
		}
	}
	return events
}

// subagentPromptEvent re-emits a Task's own prompt into its child
// conversation, resolved by toolUseId (falling back to it directly if the
// agentId isn't known yet).
func (c *Converter) subagentPromptEvent(toolUseID, text string) types.SessionEvent {
	conversationID := toolUseID
	if agentID, ok := c.openSubagents[toolUseID]; ok && agentID != "" {
		conversationID = agentID
	}
	return types.SessionEvent{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID: ids.NewBlock(), Kind: types.KindUserMessage, Status: types.BlockComplete, Content: text,
		}},
		Context: c.ctx(conversationID),
	}
}

func (c *Converter) userTextEvent(text string) types.SessionEvent {
	if isSkillLoad(text) {
		return types.SessionEvent{
			Type: types.EventBlockUpsert,
			Payload: types.BlockUpsertPayload{Block: &types.Block{
				ID: ids.NewBlock(), Kind: types.KindSkillLoad, Status: types.BlockComplete,
				Content: text, SkillName: extractSkillName(text),
			}},
			Context: c.ctx(c.conversationID()),
		}
	}
	return types.SessionEvent{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID: ids.NewBlock(), Kind: types.KindUserMessage, Status: types.BlockComplete, Content: text,
		}},
		Context: c.ctx(c.conversationID()),
	}
}

// isSkillLoad implements spec.md §6.5's skill-injection detection.
func isSkillLoad(content string) bool {
	return strings.HasPrefix(content, skillBaseDirMarker) ||
		skillPattern.MatchString(content) ||
		strings.Contains(content, skillReadMarker)
}

var skillsPathPattern = regexp.MustCompile(`skills/([^/\s]+)`)
var headerPattern = regexp.MustCompile(`(?m)^#\s+(.*)$`)

func extractSkillName(content string) string {
	if m := skillsPathPattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := headerPattern.FindStringSubmatch(content); m != nil {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "-"))
	}
	return "unknown"
}
