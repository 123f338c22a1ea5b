package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/badri-s2001/antigravity-gateway/internal/accountpool"
	"github.com/badri-s2001/antigravity-gateway/internal/dispatch"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
)

type fakeBroker struct{}

func (fakeBroker) GetTokenForAccount(ctx context.Context, acc *accountpool.Account) (string, error) {
	return "token-" + acc.Email, nil
}
func (fakeBroker) GetProjectForAccount(ctx context.Context, acc *accountpool.Account, token string) (string, error) {
	return "proj", nil
}
func (fakeBroker) InvalidateAccount(email string) {}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	settings := poolconfig.DefaultSettings()
	settings.CloudCodeEndpoints = []string{srv.URL}

	dir := t.TempDir()
	store := accountpool.NewFileStore(filepath.Join(dir, "accounts.json"))
	if err := store.Save(&accountpool.Config{Accounts: []*accountpool.Account{
		{Email: "solo@example.com", Source: accountpool.SourceOAuth, RefreshToken: "rt", AddedAt: time.Now()},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pool := accountpool.New(store, settings, nil)
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(pool.Close)

	d := dispatch.New(pool, fakeBroker{}, sigcache.New(16), settings)
	return New(d, settings)
}

func TestMessages_HappyPath(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}]}`))
	})

	reqBody := []byte(`{"model":"gemini-2.0-flash","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	out, err := gw.Messages(context.Background(), reqBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gjson.GetBytes(out, "content.0.text").String() != "hello" {
		t.Fatalf("expected text content, got %s", out)
	}
	if gjson.GetBytes(out, "id").String() == "" {
		t.Fatal("expected a minted message id")
	}
}

func TestMessages_InvalidRequestBody(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the upstream for a malformed request")
	})
	_, err := gw.Messages(context.Background(), []byte("not json"))
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
	derr, ok := err.(*dispatch.Error)
	if !ok || derr.Kind != dispatch.KindInvalidRequest {
		t.Fatalf("expected invalid_request error, got %v", err)
	}
}

func TestMessagesStream_EmitsFramesThenCloses(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	})

	reqBody := []byte(`{"model":"gemini-2.0-flash","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	events, errCh := gw.MessagesStream(context.Background(), reqBody)

	var frames [][]byte
	for f := range events {
		frames = append(frames, f)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(frames) == 0 {
		t.Fatal("expected at least one SSE frame")
	}
	if string(frames[0][:len("event: message_start")]) != "event: message_start" {
		t.Fatalf("expected the first frame to be message_start, got %q", frames[0])
	}
}

func TestChatCompletions_HappyPath(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}]}`))
	})

	reqBody := []byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}]}`)
	out, err := gw.ChatCompletions(context.Background(), reqBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	choices := decoded["choices"].([]any)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	if message["content"] != "hi there" {
		t.Fatalf("expected content preserved, got %v", message["content"])
	}
}

func TestChatCompletions_MalformedBody(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the upstream")
	})
	_, err := gw.ChatCompletions(context.Background(), []byte("{not json"))
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestChatCompletionsStream_EndsWithDone(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	})

	reqBody := []byte(`{"model":"gemini-2.0-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	events, errCh := gw.ChatCompletionsStream(context.Background(), reqBody)

	var frames [][]byte
	for f := range events {
		frames = append(frames, f)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	last := string(frames[len(frames)-1])
	if last != "data: [DONE]\n\n" {
		t.Fatalf("expected the stream to terminate with [DONE], got %q", last)
	}
}

func TestModels_ListsEveryModelInTheUpstreamCatalog(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[
			{"name":"claude-opus-4","displayName":"Opus"},
			{"name":"gemini-2.0-flash","displayName":"Flash"}
		]}`))
	})

	out, err := gw.Models(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := gjson.GetBytes(out, "data").Array()
	if len(data) != 2 {
		t.Fatalf("expected both models listed, got %d: %s", len(data), out)
	}
	if data[0].Get("id").String() != "claude-opus-4" {
		t.Fatalf("expected the claude model id preserved, got %s", data[0].Raw)
	}
}

func TestModelsFromUpstream_InvalidBody(t *testing.T) {
	_, err := ModelsFromUpstream([]byte("not json"))
	if err == nil {
		t.Fatal("expected an error for invalid upstream body")
	}
}

func TestFamilyFilter(t *testing.T) {
	if !FamilyFilter("claude-opus-4") {
		t.Fatal("expected claude model to pass the filter")
	}
	if !FamilyFilter("gemini-2.0-flash") {
		t.Fatal("expected gemini model to pass the filter")
	}
	if FamilyFilter("text-bison-001") {
		t.Fatal("expected a model naming neither family to be filtered out")
	}
}
