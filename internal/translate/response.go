package translate

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

var responseLog = log.WithField("component", "translate.response")

// GoogleResponseToAnthropic converts a non-streaming Cloud Code
// generateContent JSON response into an Anthropic Response. It never errors:
// malformed input (missing candidates, non-array parts, negative token
// counts) degrades to a well-formed, possibly-empty response rather than
// panicking or returning an error, per SPEC_FULL.md §7's translator
// tolerance row.
func GoogleResponseToAnthropic(body []byte, model string, sig *sigcache.Cache, settings poolconfig.Settings) *anthropic.Response {
	resp := &anthropic.Response{Model: model, Role: "assistant"}

	if !gjson.ValidBytes(body) {
		responseLog.Warn("non-streaming response body is not valid JSON, synthesizing empty response")
		resp.Blocks = []anthropic.Block{{Kind: anthropic.BlockText, Text: ""}}
		return resp
	}

	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	family := FamilyOf(model)

	var textRun string
	flushText := func() {
		if textRun != "" {
			resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockText, Text: textRun})
			textRun = ""
		}
	}

	anyToolUse := false
	if parts.IsArray() {
		for _, p := range parts.Array() {
			text := p.Get("text").String()
			thought := p.Get("thought").Bool()
			signature := p.Get("thoughtSignature").String()

			if fc := p.Get("functionCall"); fc.Exists() {
				flushText()
				anyToolUse = true
				id := fc.Get("id").String()
				if id == "" {
					id = NewSyntheticToolUseID()
				}
				argsJSON := []byte(fc.Get("args").Raw)
				if len(argsJSON) == 0 {
					argsJSON = []byte(`{}`)
				}
				resp.Blocks = append(resp.Blocks, anthropic.Block{
					Kind:      anthropic.BlockToolUse,
					ToolUseID: id,
					ToolName:  fc.Get("name").String(),
					ToolInput: argsJSON,
				})
				if signature != "" && sig != nil {
					sig.PutSignature(id, signature, sigcache.Family(family))
				}
				continue
			}

			if thought {
				flushText()
				if len(signature) >= settings.MinSignatureLength {
					resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockThinking, Thinking: text, Signature: signature})
				} else if text != "" {
					resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockThinking, Thinking: text})
				}
				continue
			}

			if text != "" {
				textRun += text
			}
		}
	}
	flushText()

	if len(resp.Blocks) == 0 {
		resp.Blocks = []anthropic.Block{{Kind: anthropic.BlockText, Text: ""}}
	}

	finish := gjson.GetBytes(body, "candidates.0.finishReason").String()
	resp.StopReason = mapFinishReason(finish, anyToolUse)

	prompt := gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()
	cached := gjson.GetBytes(body, "usageMetadata.cachedContentTokenCount").Int()
	output := gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()

	resp.Usage.InputTokens = clampNonNegative(prompt - cached)
	resp.Usage.OutputTokens = clampNonNegative(output)
	resp.Usage.CacheReadInputTokens = clampNonNegative(cached)

	return resp
}

func mapFinishReason(finish string, anyToolUse bool) anthropic.StopReason {
	if anyToolUse {
		return anthropic.StopToolUse
	}
	switch finish {
	case "STOP":
		return anthropic.StopEndTurn
	case "MAX_TOKENS":
		return anthropic.StopMaxTokens
	case "TOOL_USE":
		return anthropic.StopToolUse
	default:
		return ""
	}
}

func clampNonNegative(v int64) int {
	if v < 0 {
		responseLog.WithField("value", v).Warn("clamping negative token count to zero")
		return 0
	}
	return int(v)
}

// GoogleUsageFromJSON decodes just the usageMetadata block, used by the SSE
// state machine to pick up the final usage chunk.
func googleUsageFromJSON(body []byte) (prompt, cached, output int64) {
	prompt = gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()
	cached = gjson.GetBytes(body, "usageMetadata.cachedContentTokenCount").Int()
	output = gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()
	return
}

// AccumulateStreamChunks merges a sequence of raw Google SSE data chunks into
// a single Anthropic Response, for the case where a thinking model always
// streams upstream even though the client asked for a non-streaming reply.
// Each chunk is folded with the same part-handling rules as
// GoogleResponseToAnthropic; usage is taken from whichever chunk carried it
// last (the upstream emits the final usage on the terminal chunk).
func AccumulateStreamChunks(chunks [][]byte, model string, sig *sigcache.Cache, settings poolconfig.Settings) *anthropic.Response {
	resp := &anthropic.Response{Model: model, Role: "assistant"}
	family := FamilyOf(model)

	var textRun string
	flushText := func() {
		if textRun != "" {
			resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockText, Text: textRun})
			textRun = ""
		}
	}

	anyToolUse := false
	var finish string
	var prompt, cached, output int64
	var sawUsage bool

	for _, body := range chunks {
		if !gjson.ValidBytes(body) {
			continue
		}
		if f := gjson.GetBytes(body, "candidates.0.finishReason").String(); f != "" {
			finish = f
		}
		if gjson.GetBytes(body, "usageMetadata").Exists() {
			prompt, cached, output = googleUsageFromJSON(body)
			sawUsage = true
		}
		parts := gjson.GetBytes(body, "candidates.0.content.parts")
		if !parts.IsArray() {
			continue
		}
		for _, p := range parts.Array() {
			text := p.Get("text").String()
			thought := p.Get("thought").Bool()
			signature := p.Get("thoughtSignature").String()

			if fc := p.Get("functionCall"); fc.Exists() {
				flushText()
				anyToolUse = true
				id := fc.Get("id").String()
				if id == "" {
					id = NewSyntheticToolUseID()
				}
				argsJSON := []byte(fc.Get("args").Raw)
				if len(argsJSON) == 0 {
					argsJSON = []byte(`{}`)
				}
				resp.Blocks = append(resp.Blocks, anthropic.Block{
					Kind: anthropic.BlockToolUse, ToolUseID: id, ToolName: fc.Get("name").String(), ToolInput: argsJSON,
				})
				if signature != "" && sig != nil {
					sig.PutSignature(id, signature, sigcache.Family(family))
				}
				continue
			}

			if thought {
				flushText()
				if len(signature) >= settings.MinSignatureLength {
					resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockThinking, Thinking: text, Signature: signature})
				} else if text != "" {
					resp.Blocks = append(resp.Blocks, anthropic.Block{Kind: anthropic.BlockThinking, Thinking: text})
				}
				continue
			}

			if text != "" {
				textRun += text
			}
		}
	}
	flushText()

	if len(resp.Blocks) == 0 {
		resp.Blocks = []anthropic.Block{{Kind: anthropic.BlockText, Text: ""}}
	}

	resp.StopReason = mapFinishReason(finish, anyToolUse)
	if sawUsage {
		resp.Usage.InputTokens = clampNonNegative(prompt - cached)
		resp.Usage.OutputTokens = clampNonNegative(output)
		resp.Usage.CacheReadInputTokens = clampNonNegative(cached)
	}
	return resp
}
