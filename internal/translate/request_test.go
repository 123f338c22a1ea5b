package translate

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

func TestBuildGoogleRequest_PlainTextMessage(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 1024,
		Messages:  []anthropic.Message{{Role: "user", Text: "hello there"}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := gjson.GetBytes(out, "model").String(); got != "gemini-2.0-flash" {
		t.Fatalf("expected model preserved, got %q", got)
	}
	if got := gjson.GetBytes(out, "project").String(); got != "proj-1" {
		t.Fatalf("expected project preserved, got %q", got)
	}
	parts := gjson.GetBytes(out, "request.contents.0.parts")
	if !parts.IsArray() || len(parts.Array()) != 1 || parts.Array()[0].Get("text").String() != "hello there" {
		t.Fatalf("expected single text part, got %s", parts.Raw)
	}
	if got := gjson.GetBytes(out, "request.contents.0.role").String(); got != "user" {
		t.Fatalf("expected user role, got %q", got)
	}
	if got := gjson.GetBytes(out, "request.generationConfig.maxOutputTokens").Int(); got != 1024 {
		t.Fatalf("expected maxOutputTokens 1024, got %d", got)
	}
}

// Scenario 4 from SPEC_FULL.md §8 (request side): a thinking block plus a
// tool_use block in an assistant turn is reordered so thinking comes first,
// and the tool_use id is preserved for a Claude-family target.
func TestBuildGoogleRequest_ThinkingAndToolUseOrderingAndIDPreservation(t *testing.T) {
	sig := "x" + string(make([]byte, 79)) // 80 chars, past MinSignatureLength
	req := &anthropic.Request{
		Model:     "claude-opus-4",
		MaxTokens: 2048,
		ThinkingBudget: 4096,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockToolUse, ToolUseID: "tu_1", ToolName: "lookup", ToolInput: []byte(`{"q":"x"}`)},
				{Kind: anthropic.BlockThinking, Thinking: "reasoning...", Signature: sig},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %s", len(parts), out)
	}
	if !parts[0].Get("thought").Bool() {
		t.Fatalf("expected thinking part to be reordered first, got %s", parts[0].Raw)
	}
	if parts[0].Get("text").String() != "reasoning..." {
		t.Fatalf("expected thinking text preserved, got %q", parts[0].Get("text").String())
	}
	fc := parts[1].Get("functionCall")
	if !fc.Exists() {
		t.Fatalf("expected functionCall part second, got %s", parts[1].Raw)
	}
	if fc.Get("id").String() != "tu_1" {
		t.Fatalf("expected tool_use id preserved for claude family, got %q", fc.Get("id").String())
	}
	if fc.Get("name").String() != "lookup" {
		t.Fatalf("expected function name preserved, got %q", fc.Get("name").String())
	}
}

func TestBuildGoogleRequest_DropsShortThinkingSignature(t *testing.T) {
	req := &anthropic.Request{
		Model:     "claude-opus-4",
		MaxTokens: 100,
		ThinkingBudget: 1,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockThinking, Thinking: "short sig", Signature: "tooshort"},
				{Kind: anthropic.BlockText, Text: "visible reply"},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 1 {
		t.Fatalf("expected the too-short-signature thinking part dropped, kept %d parts", len(parts))
	}
	if parts[0].Get("text").String() != "visible reply" {
		t.Fatalf("expected remaining part to be the text block, got %s", parts[0].Raw)
	}
}

// TestBuildGoogleRequest_ToolResultResolvesNameFromEarlierToolUse guards
// against emitting a functionResponse with no id and an empty name: the
// codec never fills tool_result.ToolName, so the name must come from the
// tool_use block earlier in the same conversation that shares its id.
func TestBuildGoogleRequest_ToolResultResolvesNameFromEarlierToolUse(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockToolUse, ToolUseID: "tu_42", ToolName: "lookup", ToolInput: []byte(`{}`)},
			}},
			{Role: "user", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockToolResult, ToolResultForID: "tu_42", ToolResultText: "42"},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fr := gjson.GetBytes(out, "request.contents.1.parts.0.functionResponse")
	if fr.Get("id").String() != "tu_42" {
		t.Fatalf("expected functionResponse.id to match the tool_use_id, got %q", fr.Get("id").String())
	}
	if fr.Get("name").String() != "lookup" {
		t.Fatalf("expected functionResponse.name resolved from the earlier tool_use, got %q", fr.Get("name").String())
	}
}

// TestBuildGoogleRequest_ToolResultFallsBackToDerivedNameWhenUnseen covers a
// tool_result whose matching tool_use never appeared in this request (e.g. a
// truncated history), matching the reference translator's id-derivation.
func TestBuildGoogleRequest_ToolResultFallsBackToDerivedNameWhenUnseen(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockToolResult, ToolResultForID: "lookup_thing-abc-123", ToolResultText: "done"},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fr := gjson.GetBytes(out, "request.contents.0.parts.0.functionResponse")
	if fr.Get("name").String() != "lookup_thing" {
		t.Fatalf("expected derived name stripping the trailing two id segments, got %q", fr.Get("name").String())
	}
}

// TestBuildGoogleRequest_DropsUnknownOriginSignatureForGeminiTarget covers
// SPEC_FULL.md §4.3: a Gemini-family target drops both known-cross-family
// and unknown-origin thinking signatures, not only ones already known to
// belong to a different family.
func TestBuildGoogleRequest_DropsUnknownOriginSignatureForGeminiTarget(t *testing.T) {
	sig := "y" + string(make([]byte, 79)) // past MinSignatureLength, never registered
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockThinking, Thinking: "reasoning...", Signature: sig},
				{Kind: anthropic.BlockText, Text: "visible reply"},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 1 || parts[0].Get("thought").Exists() {
		t.Fatalf("expected the unknown-origin thinking part dropped, got %d parts: %s", len(parts), out)
	}
}

// TestBuildGoogleRequest_ForwardingToGeminiDoesNotRelabelKnownClaudeOrigin
// guards against poisoning cross-family detection: a signature already known
// to originate from Claude must keep that origin even after being seen on a
// request built for a different target family.
func TestBuildGoogleRequest_ForwardingToGeminiDoesNotRelabelKnownClaudeOrigin(t *testing.T) {
	sig := sigcache.New(16)
	knownSig := "z" + string(make([]byte, 79))
	sig.PutSignature("", knownSig, sigcache.FamilyClaude)

	req := &anthropic.Request{
		Model:     "claude-opus-4",
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockThinking, Thinking: "reasoning...", Signature: knownSig},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	if _, err := BuildGoogleRequest(req, "proj-1", sig, settings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fam, ok := sig.FamilyOfSignature(knownSig)
	if !ok || fam != sigcache.FamilyClaude {
		t.Fatalf("expected known Claude origin preserved, got family=%q ok=%v", fam, ok)
	}
}

func TestBuildGoogleRequest_ClaudeThinkingBudgetClampedBelowMaxTokens(t *testing.T) {
	req := &anthropic.Request{
		Model:          "claude-opus-4",
		MaxTokens:      1000,
		ThinkingBudget: 1000,
		Messages:       []anthropic.Message{{Role: "user", Text: "hi"}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	budget := gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget").Int()
	if budget != 999 {
		t.Fatalf("expected budget clamped to maxTokens-1=999, got %d", budget)
	}
}

func TestBuildGoogleRequest_GeminiMaxOutputTokensClamped(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 1_000_000,
		Messages:  []anthropic.Message{{Role: "user", Text: "hi"}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := gjson.GetBytes(out, "request.generationConfig.maxOutputTokens").Int()
	if got != int64(settings.GeminiMaxOutputTokens) {
		t.Fatalf("expected clamp to GeminiMaxOutputTokens=%d, got %d", settings.GeminiMaxOutputTokens, got)
	}
}

func TestBuildGoogleRequest_ToolsAreSanitizedPerFamily(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages:  []anthropic.Message{{Role: "user", Text: "hi"}},
		Tools: []anthropic.Tool{{
			Name: "weird name!!",
			InputSchema: []byte(`{"type":"object","properties":{},"additionalProperties":false}`),
		}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name := gjson.GetBytes(out, "request.tools.0.functionDeclarations.0.name").String()
	if name == "weird name!!" {
		t.Fatal("expected tool name to be sanitized")
	}
	if gjson.GetBytes(out, "request.tools.0.functionDeclarations.0.parameters.additionalProperties").Exists() {
		t.Fatal("expected additionalProperties stripped under strict gemini sanitization")
	}
}

func TestBuildGoogleRequest_SystemPromptAndInterleavedThinkingHint(t *testing.T) {
	req := &anthropic.Request{
		Model:          "claude-opus-4",
		MaxTokens:      100,
		System:         "be nice",
		ThinkingBudget: 10,
		Messages: []anthropic.Message{
			{Role: "assistant", Blocks: []anthropic.Block{
				{Kind: anthropic.BlockToolUse, ToolUseID: "tu_1", ToolName: "lookup", ToolInput: []byte(`{}`)},
			}},
		},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	system := gjson.GetBytes(out, "request.systemInstruction.parts.0.text").String()
	if system == "" || system == "be nice" {
		t.Fatalf("expected the interleaved-thinking hint appended to the system prompt, got %q", system)
	}
}

func TestNewSyntheticToolUseID_HasToolUPrefix(t *testing.T) {
	id := NewSyntheticToolUseID()
	if len(id) < 6 || id[:6] != "toolu_" {
		t.Fatalf("expected toolu_ prefix, got %q", id)
	}
	var seen = map[string]bool{}
	for i := 0; i < 10; i++ {
		another := NewSyntheticToolUseID()
		if seen[another] {
			t.Fatal("expected unique ids across calls")
		}
		seen[another] = true
	}
}

func TestBuildGoogleRequest_ImageBlockBase64(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{{Role: "user", Blocks: []anthropic.Block{
			{Kind: anthropic.BlockImage, Source: &anthropic.Source{Type: "base64", MediaType: "image/png", Data: "aGVsbG8="}},
		}}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	part := gjson.GetBytes(out, "request.contents.0.parts.0")
	if part.Get("inlineData.mimeType").String() != "image/png" {
		t.Fatalf("expected inlineData mimeType preserved, got %s", part.Raw)
	}
}

func TestBuildGoogleRequest_InvalidBase64ImageDropped(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{{Role: "user", Blocks: []anthropic.Block{
			{Kind: anthropic.BlockImage, Source: &anthropic.Source{Type: "base64", MediaType: "image/png", Data: "not-valid-base64!!"}},
			{Kind: anthropic.BlockText, Text: "still here"},
		}}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 1 || parts[0].Get("text").String() != "still here" {
		t.Fatalf("expected invalid image dropped and text kept, got %s", parts)
	}
}

func TestBuildGoogleRequest_ToolResultWithImageItem(t *testing.T) {
	req := &anthropic.Request{
		Model:     "gemini-2.0-flash",
		MaxTokens: 100,
		Messages: []anthropic.Message{{Role: "user", Blocks: []anthropic.Block{
			{Kind: anthropic.BlockToolResult, ToolResultForID: "tu_1", ToolName: "lookup", ToolResultItems: []anthropic.ToolResultItem{
				{Type: "text", Text: "found it"},
				{Type: "image", Source: &anthropic.Source{Type: "base64", MediaType: "image/png", Data: "aGVsbG8="}},
			}},
		}}},
	}
	settings := poolconfig.DefaultSettings()

	out, err := BuildGoogleRequest(req, "proj-1", sigcache.New(16), settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 2 {
		t.Fatalf("expected functionResponse + image part, got %d", len(parts))
	}
	if !parts[0].Get("functionResponse").Exists() {
		t.Fatalf("expected functionResponse first, got %s", parts[0].Raw)
	}
	if !parts[1].Get("inlineData").Exists() {
		t.Fatalf("expected image part after, got %s", parts[1].Raw)
	}
}

func TestSanitizeFunctionName_RoundTripsThroughBuildGoogleRequest(t *testing.T) {
	// Sanity: json.Marshal of the tools wrapper must succeed (exercised via
	// BuildGoogleRequest above); this test just locks the pure function.
	if got := SanitizeFunctionName(""); got != "tool" {
		t.Fatalf("expected empty name fallback, got %q", got)
	}
	if got := SanitizeFunctionName("123abc"); got[0] != '_' {
		t.Fatalf("expected leading underscore for digit-led name, got %q", got)
	}
	var longName string
	for i := 0; i < 100; i++ {
		longName += "a"
	}
	if got := SanitizeFunctionName(longName); len(got) != 64 {
		t.Fatalf("expected truncation to 64 chars, got %d", len(got))
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
