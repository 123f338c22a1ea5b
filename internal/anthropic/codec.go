package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ParseRequest decodes a raw Anthropic Messages API request body into a
// Request, following the same gjson-first approach the rest of the
// translator uses rather than encoding/json structs, since content blocks
// are a tagged variant keyed by a "type" field.
func ParseRequest(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("anthropic: invalid request JSON")
	}

	req := &Request{
		Model:     gjson.GetBytes(body, "model").String(),
		System:    gjson.GetBytes(body, "system").String(),
		MaxTokens: int(gjson.GetBytes(body, "max_tokens").Int()),
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}

	if t := gjson.GetBytes(body, "temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if t := gjson.GetBytes(body, "top_p"); t.Exists() {
		v := t.Float()
		req.TopP = &v
	}
	if stop := gjson.GetBytes(body, "stop_sequences"); stop.IsArray() {
		for _, s := range stop.Array() {
			req.Stop = append(req.Stop, s.String())
		}
	}
	if tb := gjson.GetBytes(body, "thinking.budget_tokens"); tb.Exists() {
		req.ThinkingBudget = int(tb.Int())
	} else if typ := gjson.GetBytes(body, "thinking.type"); typ.String() == "enabled" {
		req.ThinkingBudget = -1
	}

	for _, t := range gjson.GetBytes(body, "tools").Array() {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			InputSchema: []byte(t.Get("input_schema").Raw),
		})
	}

	for _, m := range gjson.GetBytes(body, "messages").Array() {
		req.Messages = append(req.Messages, parseMessage(m))
	}

	return req, nil
}

func parseMessage(m gjson.Result) Message {
	msg := Message{Role: m.Get("role").String()}
	content := m.Get("content")
	if content.IsArray() {
		for _, b := range content.Array() {
			if blk, ok := parseBlock(b); ok {
				msg.Blocks = append(msg.Blocks, blk)
			}
		}
		if msg.Blocks == nil {
			msg.Blocks = []Block{}
		}
		return msg
	}
	msg.Text = content.String()
	return msg
}

func parseBlock(b gjson.Result) (Block, bool) {
	switch b.Get("type").String() {
	case "text":
		text := b.Get("text").String()
		if text == "" {
			return Block{}, false
		}
		return Block{Kind: BlockText, Text: text}, true

	case "image":
		return Block{Kind: BlockImage, Source: parseSource(b.Get("source"))}, true

	case "document":
		return Block{Kind: BlockDocument, Source: parseSource(b.Get("source"))}, true

	case "thinking":
		return Block{Kind: BlockThinking, Thinking: b.Get("thinking").String(), Signature: b.Get("signature").String()}, true

	case "tool_use":
		input := []byte(b.Get("input").Raw)
		if len(input) == 0 {
			input = []byte(`{}`)
		}
		return Block{
			Kind:      BlockToolUse,
			ToolUseID: b.Get("id").String(),
			ToolName:  b.Get("name").String(),
			ToolInput: input,
		}, true

	case "tool_result":
		blk := Block{Kind: BlockToolResult, ToolResultForID: b.Get("tool_use_id").String()}
		content := b.Get("content")
		if content.IsArray() {
			for _, item := range content.Array() {
				switch item.Get("type").String() {
				case "text":
					blk.ToolResultItems = append(blk.ToolResultItems, ToolResultItem{Type: "text", Text: item.Get("text").String()})
				case "image":
					blk.ToolResultItems = append(blk.ToolResultItems, ToolResultItem{Type: "image", Source: parseSource(item.Get("source"))})
				}
			}
		} else {
			blk.ToolResultText = content.String()
		}
		return blk, true

	default:
		return Block{}, false
	}
}

func parseSource(s gjson.Result) *Source {
	if !s.Exists() {
		return nil
	}
	return &Source{
		Type:      s.Get("type").String(),
		MediaType: s.Get("media_type").String(),
		Data:      s.Get("data").String(),
		URL:       s.Get("url").String(),
	}
}

// EncodeResponse serializes resp into the Anthropic Messages API response
// JSON shape.
func EncodeResponse(resp *Response) []byte {
	payload := []byte(`{"type":"message"}`)
	payload, _ = sjson.SetBytes(payload, "id", resp.ID)
	payload, _ = sjson.SetBytes(payload, "model", resp.Model)
	payload, _ = sjson.SetBytes(payload, "role", resp.Role)
	payload, _ = sjson.SetBytes(payload, "stop_reason", string(resp.StopReason))
	payload, _ = sjson.SetBytes(payload, "usage.input_tokens", resp.Usage.InputTokens)
	payload, _ = sjson.SetBytes(payload, "usage.output_tokens", resp.Usage.OutputTokens)
	if resp.Usage.CacheReadInputTokens > 0 {
		payload, _ = sjson.SetBytes(payload, "usage.cache_read_input_tokens", resp.Usage.CacheReadInputTokens)
	}

	blocks := make([]map[string]any, 0, len(resp.Blocks))
	for _, b := range resp.Blocks {
		blocks = append(blocks, encodeBlock(b))
	}
	payload, _ = sjson.SetBytes(payload, "content", blocks)
	return payload
}

func encodeBlock(b Block) map[string]any {
	switch b.Kind {
	case BlockText:
		return map[string]any{"type": "text", "text": b.Text}
	case BlockThinking:
		m := map[string]any{"type": "thinking", "thinking": b.Thinking}
		if b.Signature != "" {
			m["signature"] = b.Signature
		}
		return m
	case BlockToolUse:
		var input any = json.RawMessage(b.ToolInput)
		return map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": input}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}

// EncodeSSE formats ev as one Anthropic SSE frame: "event: <type>\ndata:
// <json>\n\n".
func EncodeSSE(ev SSEEvent) []byte {
	data := encodeSSEData(ev)
	frame := "event: " + string(ev.Type) + "\n"
	raw, _ := json.Marshal(data)
	frame += "data: " + string(raw) + "\n\n"
	return []byte(frame)
}

func encodeSSEData(ev SSEEvent) map[string]any {
	switch ev.Type {
	case EventMessageStart:
		return map[string]any{
			"type": ev.Type,
			"message": map[string]any{
				"id":    ev.MessageID,
				"type":  "message",
				"role":  "assistant",
				"model": ev.Model,
				"content": []any{},
				"usage": map[string]any{
					"input_tokens":  ev.Usage.InputTokens,
					"output_tokens": ev.Usage.OutputTokens,
				},
			},
		}
	case EventContentBlockStart:
		block := map[string]any{}
		switch ev.BlockKind {
		case BlockThinking:
			block = map[string]any{"type": "thinking", "thinking": ""}
		case BlockToolUse:
			block = map[string]any{"type": "tool_use", "id": ev.ToolUseID, "name": ev.ToolName, "input": map[string]any{}}
		default:
			block = map[string]any{"type": "text", "text": ""}
		}
		return map[string]any{"type": ev.Type, "index": ev.Index, "content_block": block}

	case EventContentBlockDelta:
		delta := map[string]any{"type": ev.DeltaKind}
		switch ev.DeltaKind {
		case DeltaText:
			delta["text"] = ev.TextDelta
		case DeltaThinking:
			delta["thinking"] = ev.ThinkingDelta
		case DeltaSignature:
			delta["signature"] = ev.Signature
		case DeltaInputJSON:
			delta["partial_json"] = ev.PartialJSON
		}
		return map[string]any{"type": ev.Type, "index": ev.Index, "delta": delta}

	case EventContentBlockStop:
		return map[string]any{"type": ev.Type, "index": ev.Index}

	case EventMessageDelta:
		return map[string]any{
			"type":  ev.Type,
			"delta": map[string]any{"stop_reason": ev.StopReason},
			"usage": map[string]any{"output_tokens": ev.Usage.OutputTokens},
		}

	case EventMessageStop:
		return map[string]any{"type": ev.Type}

	default:
		return map[string]any{"type": ev.Type}
	}
}
