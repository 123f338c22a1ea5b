// Package gateway holds the thin public-surface wrappers named in
// SPEC_FULL.md §6: plain functions that parse an inbound request body, drive
// the dispatcher, and emit an outbound response or SSE stream. Routing,
// authentication, and the HTTP listener itself are collaborator concerns;
// these functions accept and return already-read bytes so any router can
// call them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/dispatch"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/translate"
)

// Gateway wires the dispatcher to the three inbound surfaces.
type Gateway struct {
	dispatcher *dispatch.Dispatcher
	settings   poolconfig.Settings
}

// New constructs a Gateway over an already-built Dispatcher.
func New(dispatcher *dispatch.Dispatcher, settings poolconfig.Settings) *Gateway {
	return &Gateway{dispatcher: dispatcher, settings: settings}
}

// Messages handles POST /v1/messages. It returns the raw non-streaming
// response body, or (nil, events, errCh) when the request is streaming; the
// caller is expected to check req.Stream first and consume one return path.
func (g *Gateway) Messages(ctx context.Context, body []byte) ([]byte, error) {
	req, err := anthropic.ParseRequest(body)
	if err != nil {
		return nil, dispatch.NewInvalidRequest(err.Error())
	}
	resp, err := g.dispatcher.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.ID = "msg_" + uuid.NewString()
	return anthropic.EncodeResponse(resp), nil
}

// MessagesStream handles POST /v1/messages with stream:true. It returns a
// channel of already wire-formatted SSE frames ("event: ...\ndata:
// ...\n\n") and an error channel carrying at most one terminal error.
func (g *Gateway) MessagesStream(ctx context.Context, body []byte) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 16)
	errCh := make(chan error, 1)

	req, err := anthropic.ParseRequest(body)
	if err != nil {
		close(out)
		errCh <- dispatch.NewInvalidRequest(err.Error())
		close(errCh)
		return out, errCh
	}

	events, dispatchErrCh := g.dispatcher.SendStream(ctx, req)
	go func() {
		defer close(out)
		for ev := range events {
			out <- anthropic.EncodeSSE(ev)
		}
		if err, ok := <-dispatchErrCh; ok && err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return out, errCh
}

// ChatCompletions handles POST /v1/chat/completions (non-streaming path).
func (g *Gateway) ChatCompletions(ctx context.Context, body []byte) ([]byte, error) {
	var chatReq translate.ChatCompletionsRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		return nil, dispatch.NewInvalidRequest("malformed chat completions request: " + err.Error())
	}
	anthropicReq := translate.ChatCompletionsToAnthropic(&chatReq, g.settings)

	resp, err := g.dispatcher.Send(ctx, anthropicReq)
	if err != nil {
		return nil, err
	}
	resp.ID = "chatcmpl-" + uuid.NewString()
	out := translate.AnthropicToChatCompletion(resp)
	return json.Marshal(out)
}

// ChatCompletionsStream handles the streaming OpenAI path, reshaping the
// Anthropic SSE stream into OpenAI chunk format and terminating with
// "data: [DONE]\n\n".
func (g *Gateway) ChatCompletionsStream(ctx context.Context, body []byte) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 16)
	errCh := make(chan error, 1)

	var chatReq translate.ChatCompletionsRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		close(out)
		errCh <- dispatch.NewInvalidRequest("malformed chat completions request: " + err.Error())
		close(errCh)
		return out, errCh
	}
	anthropicReq := translate.ChatCompletionsToAnthropic(&chatReq, g.settings)
	chatID := "chatcmpl-" + uuid.NewString()

	events, dispatchErrCh := g.dispatcher.SendStream(ctx, anthropicReq)
	go func() {
		defer close(out)
		toolCalls := 0
		for ev := range events {
			chunk, isToolCall := chatChunkFromEvent(chatID, anthropicReq.Model, ev)
			if isToolCall {
				toolCalls++
			}
			if chunk != nil {
				out <- chunk
			}
		}
		finish := translate.ChatFinishReason("", toolCalls)
		out <- chatStopChunk(chatID, anthropicReq.Model, finish)
		out <- []byte("data: [DONE]\n\n")
		if err, ok := <-dispatchErrCh; ok && err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return out, errCh
}

func chatChunkFromEvent(id, model string, ev anthropic.SSEEvent) ([]byte, bool) {
	delta := map[string]any{}
	isToolCall := false
	switch ev.Type {
	case anthropic.EventContentBlockDelta:
		switch ev.DeltaKind {
		case anthropic.DeltaText:
			delta["content"] = ev.TextDelta
		case anthropic.DeltaInputJSON:
			delta["tool_calls"] = []map[string]any{{
				"index": 0,
				"function": map[string]any{"arguments": ev.PartialJSON},
			}}
			isToolCall = true
		default:
			return nil, false
		}
	case anthropic.EventContentBlockStart:
		if ev.BlockKind == anthropic.BlockToolUse {
			delta["tool_calls"] = []map[string]any{{
				"index": 0,
				"id":    ev.ToolUseID,
				"type":  "function",
				"function": map[string]any{"name": ev.ToolName, "arguments": ""},
			}}
			isToolCall = true
		} else {
			return nil, false
		}
	default:
		return nil, false
	}

	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nil}},
	}
	raw, _ := json.Marshal(chunk)
	return []byte("data: " + string(raw) + "\n\n"), isToolCall
}

func chatStopChunk(id, model, finish string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": finish}},
	}
	raw, _ := json.Marshal(chunk)
	return []byte("data: " + string(raw) + "\n\n")
}

// Models handles GET /v1/models: fetches the upstream model list and
// returns it reshaped into the Anthropic-format listing.
func (g *Gateway) Models(ctx context.Context) ([]byte, error) {
	body, err := g.dispatcher.FetchModels(ctx)
	if err != nil {
		return nil, err
	}
	return ModelsFromUpstream(body)
}

// FamilyFilter reports whether a model ID returned by the upstream's
// fetchAvailableModels belongs to the Claude or Gemini family; only those
// are listed, per §6.
func FamilyFilter(modelID string) bool {
	return translate.IsRecognizedFamily(modelID)
}

// ModelsFromUpstream converts a raw fetchAvailableModels JSON body into the
// Anthropic-format model listing, filtered to the Claude and Gemini
// families.
func ModelsFromUpstream(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("gateway: invalid models response")
	}
	var data []map[string]any
	for _, m := range gjson.GetBytes(body, "models").Array() {
		id := m.Get("name").String()
		if id == "" {
			id = m.Get("id").String()
		}
		if !FamilyFilter(id) {
			continue
		}
		data = append(data, map[string]any{
			"id":           id,
			"type":         "model",
			"display_name": m.Get("displayName").String(),
		})
	}
	return json.Marshal(map[string]any{"data": data, "object": "list"})
}
