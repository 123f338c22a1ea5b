package translate

import (
	"encoding/json"
	"strings"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
)

// ChatMessage is one OpenAI Chat Completions message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatToolCall mirrors an OpenAI tool_calls entry.
type ChatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ChatCompletionsRequest is a parsed OpenAI Chat Completions request.
type ChatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// ResolveModel applies the alias table, preserving a thinking-mode suffix the
// way the teacher's oauthModelAliasTable does (e.g. "opus-high" resolves
// through "opus" but keeps "-high").
func ResolveModel(requested string, settings poolconfig.Settings) string {
	base, suffix := splitModelSuffix(requested)
	for _, alias := range settings.ModelAliases {
		if strings.EqualFold(alias.Alias, base) {
			if suffix != "" {
				return alias.Model + suffix
			}
			return alias.Model
		}
	}
	if requested == "" {
		return settings.DefaultChatModel
	}
	return requested
}

// splitModelSuffix splits a trailing "-<suffix>" thinking-mode hint off a
// model name, e.g. "opus-high" -> ("opus", "-high"). Only a small fixed set
// of recognized suffixes is split; anything else is treated as part of the
// base name so real model IDs containing hyphens are not mangled.
func splitModelSuffix(model string) (base string, suffix string) {
	for _, s := range []string{"-high", "-low", "-medium", "-none"} {
		if strings.HasSuffix(model, s) {
			return strings.TrimSuffix(model, s), s
		}
	}
	return model, ""
}

// ChatCompletionsToAnthropic losslessly maps an OpenAI request to the
// internal Anthropic request shape. System messages are concatenated;
// assistant messages with tool_calls become blocks containing text +
// tool_use; role "tool" messages become user messages carrying a tool_result
// block.
func ChatCompletionsToAnthropic(req *ChatCompletionsRequest, settings poolconfig.Settings) *anthropic.Request {
	out := &anthropic.Request{
		Model:       ResolveModel(req.Model, settings),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if t := extractText(m.Content); t != "" {
				systemParts = append(systemParts, t)
			}

		case "user":
			out.Messages = append(out.Messages, anthropic.Message{Role: "user", Text: extractText(m.Content)})

		case "assistant":
			msg := anthropic.Message{Role: "assistant"}
			if t := extractText(m.Content); t != "" {
				msg.Blocks = append(msg.Blocks, anthropic.Block{Kind: anthropic.BlockText, Text: t})
			}
			for _, tc := range m.ToolCalls {
				msg.Blocks = append(msg.Blocks, anthropic.Block{
					Kind: anthropic.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
					ToolInput: []byte(tc.Function.Arguments),
				})
			}
			if len(msg.Blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, msg)

		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Blocks: []anthropic.Block{{
					Kind: anthropic.BlockToolResult, ToolResultForID: m.ToolCallID, ToolResultText: extractText(m.Content),
				}},
			})
		}
	}

	out.System = strings.Join(systemParts, "\n\n")
	return out
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// content may be an array of {type:"text", text:"..."} parts.
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// ChatFinishReason maps an Anthropic stop reason to the OpenAI equivalent.
func ChatFinishReason(stop anthropic.StopReason, toolCalls int) string {
	switch {
	case stop == anthropic.StopToolUse || toolCalls > 0:
		return "tool_calls"
	case stop == anthropic.StopMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

// AnthropicToChatCompletion maps an internal Anthropic response to an OpenAI
// Chat Completion response body (non-streaming).
func AnthropicToChatCompletion(resp *anthropic.Response) map[string]any {
	var text strings.Builder
	var toolCalls []map[string]any
	for _, b := range resp.Blocks {
		switch b.Kind {
		case anthropic.BlockText:
			text.WriteString(b.Text)
		case anthropic.BlockToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      b.ToolName,
					"arguments": string(b.ToolInput),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	return map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": ChatFinishReason(resp.StopReason, len(toolCalls)),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
