package translate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

var requestLog = log.WithField("component", "translate.request")

const interleavedThinkingHint = "Interleaved thinking is enabled: you may emit reasoning between tool calls and their results."

// BuildGoogleRequest converts an Anthropic request into a Cloud Code
// generateContent payload of shape {model, project, request:{contents,
// systemInstruction, generationConfig, tools}}, the envelope the upstream
// expects around the underlying Gemini-style request (paths like
// request.generationConfig.thinkingConfig.thinkingBudget are grounded on the
// teacher's internal/thinking/provider/antigravity.Applier, which operates on
// exactly this envelope).
func BuildGoogleRequest(req *anthropic.Request, project string, sig *sigcache.Cache, settings poolconfig.Settings) ([]byte, error) {
	family := FamilyOf(req.Model)

	payload := []byte(`{}`)
	var err error
	payload, err = sjson.SetBytes(payload, "model", req.Model)
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "project", project)
	if err != nil {
		return nil, err
	}

	toolNames := collectToolUseNames(req.Messages)
	contents, hasTools := buildContents(req.Messages, family, sig, settings, toolNames)
	payload, err = sjson.SetRawBytes(payload, "request.contents", contents)
	if err != nil {
		return nil, err
	}

	system := strings.TrimSpace(req.System)
	isThinkingModel := req.ThinkingBudget != 0
	if isThinkingModel && family == FamilyClaude && hasTools {
		if system != "" {
			system += "\n\n" + interleavedThinkingHint
		} else {
			system = interleavedThinkingHint
		}
	}
	if system != "" {
		sysBlock, serr := json.Marshal(map[string]any{
			"parts": []map[string]string{{"text": system}},
		})
		if serr != nil {
			return nil, serr
		}
		payload, err = sjson.SetRawBytes(payload, "request.systemInstruction", sysBlock)
		if err != nil {
			return nil, err
		}
	}

	payload, err = applyGenerationConfig(payload, req, family, settings)
	if err != nil {
		return nil, err
	}

	if len(req.Tools) > 0 {
		toolsJSON, terr := buildTools(req.Tools, family)
		if terr != nil {
			return nil, terr
		}
		payload, err = sjson.SetRawBytes(payload, "request.tools", toolsJSON)
		if err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// collectToolUseNames scans every tool_use block in the conversation so a
// later tool_result can be matched back to the name of the tool it answers;
// the wire format only carries the id on tool_result (see
// internal/anthropic/codec.go's tool_result parsing).
func collectToolUseNames(messages []anthropic.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			if b.Kind == anthropic.BlockToolUse && b.ToolUseID != "" {
				names[b.ToolUseID] = b.ToolName
			}
		}
	}
	return names
}

// toolNameForResult resolves the name of the tool a tool_result answers.
// Preferring the id->name map built from this conversation's own tool_use
// blocks; when the id was never seen (e.g. a synthetic id from a prior,
// now-truncated turn), it falls back to the reference translator's
// derivation, which treats a trailing "-<segment>-<segment>" suffix on the
// id as call-instance disambiguation and strips it to recover the name.
func toolNameForResult(id string, toolNames map[string]string) string {
	if name, ok := toolNames[id]; ok && name != "" {
		return name
	}
	segments := strings.Split(id, "-")
	if len(segments) > 2 {
		return strings.Join(segments[:len(segments)-2], "-")
	}
	return id
}

// buildContents maps each message to a Google Content and reports whether any
// tool_use/tool_result block was present (used to decide whether to append
// the interleaved-thinking hint).
func buildContents(messages []anthropic.Message, family Family, sig *sigcache.Cache, settings poolconfig.Settings, toolNames map[string]string) ([]byte, bool) {
	contents := []byte(`[]`)
	hasTools := false

	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		parts, thinkingParts, usedTools := buildParts(msg, family, sig, settings, toolNames)
		if usedTools {
			hasTools = true
		}

		// Thinking blocks must appear first for a "model" role turn, per the
		// reference translator's reordering rule, since upstream expects the
		// reasoning trace to precede the content it justifies.
		ordered := append(thinkingParts, parts...)
		if len(ordered) == 0 {
			// Empty message after dropping empty/invalid blocks: skip it
			// entirely rather than forwarding a contentless turn.
			continue
		}

		entry, _ := json.Marshal(map[string]any{"role": role})
		entry, _ = sjson.SetRawBytes(entry, "parts", mustMarshal(ordered))
		contents, _ = sjson.SetRawBytes(contents, "-1", entry)
	}
	return contents, hasTools
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`[]`)
	}
	return b
}

// buildParts converts one message's content blocks into Google parts,
// separating thinking parts out so the caller can reorder them to the front.
func buildParts(msg anthropic.Message, family Family, sig *sigcache.Cache, settings poolconfig.Settings, toolNames map[string]string) (parts []map[string]any, thinking []map[string]any, usedTools bool) {
	if !msg.HasBlocks() {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return nil, nil, false
		}
		return []map[string]any{{"text": msg.Text}}, nil, false
	}

	for _, b := range msg.Blocks {
		switch b.Kind {
		case anthropic.BlockText:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			parts = append(parts, map[string]any{"text": b.Text})

		case anthropic.BlockImage, anthropic.BlockDocument:
			part := blockSourceToPart(b.Source)
			if part != nil {
				parts = append(parts, part)
			}

		case anthropic.BlockThinking:
			if len(b.Signature) < settings.MinSignatureLength {
				continue
			}
			if family == FamilyGemini && sig != nil {
				if fam, known := sig.FamilyOfSignature(b.Signature); !known || fam != sigcache.FamilyGemini {
					requestLog.WithField("tool_use_id", b.ToolUseID).Debug("dropping cross-family or unknown-origin thinking signature")
					continue
				}
			}
			p := map[string]any{"text": b.Thinking, "thought": true}
			if b.Signature != "" {
				p["thoughtSignature"] = b.Signature
				if sig != nil {
					// Only record provenance on first sighting. Forwarding a
					// signature toward a different target family must not
					// overwrite its already-known origin with the target's
					// family, or later cross-family detection is poisoned.
					if _, known := sig.FamilyOfSignature(b.Signature); !known {
						sig.PutSignature("", b.Signature, sigcache.Family(family))
					}
				}
			}
			thinking = append(thinking, p)

		case anthropic.BlockToolUse:
			usedTools = true
			args := map[string]any{}
			if len(b.ToolInput) > 0 {
				_ = json.Unmarshal(b.ToolInput, &args)
			}
			fc := map[string]any{"name": b.ToolName, "args": args}
			if family == FamilyClaude {
				fc["id"] = b.ToolUseID
			}
			p := map[string]any{"functionCall": fc}
			if family == FamilyGemini {
				signature := b.Signature
				if signature == "" && sig != nil {
					if cached, ok := sig.SignatureForToolUse(b.ToolUseID); ok {
						signature = cached
					}
				}
				if signature == "" {
					signature = settings.SentinelSignature
				}
				p["thoughtSignature"] = signature
			}
			parts = append(parts, p)

		case anthropic.BlockToolResult:
			usedTools = true
			response := map[string]any{}
			if b.ToolResultText != "" {
				response["result"] = b.ToolResultText
			} else if len(b.ToolResultItems) > 0 {
				var texts []string
				for _, item := range b.ToolResultItems {
					if item.Type == "text" {
						texts = append(texts, item.Text)
					}
				}
				response["result"] = strings.Join(texts, "\n")
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"id":       b.ToolResultForID,
					"name":     toolNameForResult(b.ToolResultForID, toolNames),
					"response": response,
				},
			})
			if len(b.ToolResultItems) > 0 {
				for _, item := range b.ToolResultItems {
					if item.Type == "image" && item.Source != nil {
						if p := blockSourceToPart(item.Source); p != nil {
							parts = append(parts, p)
						}
					}
				}
			}
		}
	}
	return parts, thinking, usedTools
}

func blockSourceToPart(src *anthropic.Source) map[string]any {
	if src == nil {
		return nil
	}
	switch src.Type {
	case "base64":
		if src.Data == "" {
			return nil
		}
		if _, err := base64.StdEncoding.DecodeString(src.Data); err != nil {
			requestLog.WithError(err).Warn("dropping image block with invalid base64 data")
			return nil
		}
		return map[string]any{"inlineData": map[string]any{"mimeType": src.MediaType, "data": src.Data}}
	case "url":
		if src.URL == "" {
			return nil
		}
		return map[string]any{"fileData": map[string]any{"mimeType": src.MediaType, "fileUri": src.URL}}
	default:
		return nil
	}
}

// applyGenerationConfig maps max_tokens/temperature/top_p/stop and wires the
// thinkingConfig per family, following SPEC_FULL.md §4.3 and grounded on
// internal/thinking/provider/antigravity.Applier's budget-vs-level and
// Claude-budget-clamp logic.
func applyGenerationConfig(payload []byte, req *anthropic.Request, family Family, settings poolconfig.Settings) ([]byte, error) {
	var err error
	maxTokens := req.MaxTokens
	if family == FamilyGemini && maxTokens > settings.GeminiMaxOutputTokens {
		maxTokens = settings.GeminiMaxOutputTokens
	}
	if maxTokens > 0 {
		payload, err = sjson.SetBytes(payload, "request.generationConfig.maxOutputTokens", maxTokens)
		if err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		payload, err = sjson.SetBytes(payload, "request.generationConfig.temperature", *req.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if req.TopP != nil {
		payload, err = sjson.SetBytes(payload, "request.generationConfig.topP", *req.TopP)
		if err != nil {
			return nil, err
		}
	}
	if len(req.Stop) > 0 {
		stop := req.Stop
		if len(stop) > 4 {
			stop = stop[:4]
		}
		payload, err = sjson.SetBytes(payload, "request.generationConfig.stopSequences", stop)
		if err != nil {
			return nil, err
		}
	}

	if req.ThinkingBudget == 0 {
		return payload, nil
	}

	budget := req.ThinkingBudget
	includeThoughts := budget != 0

	if family == FamilyClaude {
		effectiveMax := maxTokens
		if effectiveMax > 0 && budget > 0 && budget >= effectiveMax {
			budget = effectiveMax - 1
		}
		payload, err = sjson.SetBytes(payload, "request.generationConfig.thinkingConfig.include_thoughts", includeThoughts)
		if err != nil {
			return nil, err
		}
		payload, err = sjson.SetBytes(payload, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
		return payload, err
	}

	payload, err = sjson.SetBytes(payload, "request.generationConfig.thinkingConfig.includeThoughts", includeThoughts)
	if err != nil {
		return nil, err
	}
	payload, err = sjson.SetBytes(payload, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
	return payload, err
}

// buildTools maps Anthropic tool declarations to functionDeclarations with
// sanitized JSON Schemas.
func buildTools(tools []anthropic.Tool, family Family) ([]byte, error) {
	decls := []byte(`[]`)
	for _, t := range tools {
		name := SanitizeFunctionName(t.Name)
		schema := t.InputSchema
		var sanitizeErr error
		if family == FamilyGemini {
			schema, sanitizeErr = SanitizeSchemaStrict(schema)
		} else {
			schema, sanitizeErr = SanitizeSchemaLenient(schema)
		}
		if sanitizeErr != nil {
			return nil, sanitizeErr
		}
		decl, err := json.Marshal(map[string]any{"name": name, "description": t.Description})
		if err != nil {
			return nil, err
		}
		decl, err = sjson.SetRawBytes(decl, "parameters", schema)
		if err != nil {
			return nil, err
		}
		decls, _ = sjson.SetRawBytes(decls, "-1", decl)
	}
	wrapper, err := json.Marshal([]map[string]json.RawMessage{{"functionDeclarations": decls}})
	if err != nil {
		return nil, err
	}
	return wrapper, nil
}

// NewSyntheticToolUseID mints an id for a functionCall the upstream did not
// provide one for.
func NewSyntheticToolUseID() string {
	return fmt.Sprintf("toolu_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}
