package credbroker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/badri-s2001/antigravity-gateway/internal/accountpool"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
)

func TestError_Kinds(t *testing.T) {
	net := networkErr("boom", nil)
	if net.Kind != KindNetwork {
		t.Fatalf("expected AUTH_NETWORK_ERROR, got %q", net.Kind)
	}
	inv := invalidErr("nope", nil)
	if inv.Kind != KindInvalid {
		t.Fatalf("expected AUTH_INVALID, got %q", inv.Kind)
	}
	if !net.Retryable() || !inv.Retryable() {
		t.Fatal("expected both kinds to be retryable")
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	cause := context.DeadlineExceeded
	err := networkErr("timed out", cause)
	if err.Unwrap() != cause {
		t.Fatal("expected Unwrap to return the cause")
	}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error string")
	}
}

func TestGetTokenForAccount_APIKeyAccountShortCircuits(t *testing.T) {
	b := New(poolconfig.DefaultSettings(), "cid", "secret", nil)
	acc := &accountpool.Account{Email: "a@example.com", Source: accountpool.SourceAPIKey, APIKey: "sk-test"}

	token, err := b.GetTokenForAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "sk-test" {
		t.Fatalf("expected the raw api key returned, got %q", token)
	}
}

func TestGetTokenForAccount_DBBackedAccountWithoutCollaboratorTokenFails(t *testing.T) {
	b := New(poolconfig.DefaultSettings(), "cid", "secret", nil)
	acc := &accountpool.Account{Email: "a@example.com", Source: accountpool.SourceDB}

	_, err := b.GetTokenForAccount(context.Background(), acc)
	if err == nil {
		t.Fatal("expected an error for a db-backed account with no collaborator-supplied token")
	}
	ierr, ok := err.(*Error)
	if !ok || ierr.Kind != KindInvalid {
		t.Fatalf("expected an invalid-kind credbroker error, got %v", err)
	}
}

func TestGetTokenForAccount_CachedTokenReusedWithinRefreshInterval(t *testing.T) {
	b := New(poolconfig.DefaultSettings(), "cid", "secret", nil)
	b.tokenCache["a@example.com"] = tokenCacheEntry{token: "cached-token", mintedAt: time.Now()}

	acc := &accountpool.Account{Email: "a@example.com", Source: accountpool.SourceOAuth, RefreshToken: "rt"}
	token, err := b.GetTokenForAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cached-token" {
		t.Fatalf("expected the cached token reused without a refresh, got %q", token)
	}
}

func TestGetProjectForAccount_PreAssignedProjectSkipsDiscovery(t *testing.T) {
	b := New(poolconfig.DefaultSettings(), "cid", "secret", nil)
	acc := &accountpool.Account{Email: "a@example.com", ProjectID: "proj-preassigned"}

	project, err := b.GetProjectForAccount(context.Background(), acc, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj-preassigned" {
		t.Fatalf("expected pre-assigned project id, got %q", project)
	}
}

func TestGetProjectForAccount_DiscoversViaLoadCodeAssist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:loadCodeAssist" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Fatalf("expected bearer token forwarded, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudaicompanionProject":"proj-discovered"}`))
	}))
	defer srv.Close()

	settings := poolconfig.DefaultSettings()
	settings.CloudCodeEndpoints = []string{srv.URL}
	b := New(settings, "cid", "secret", nil)
	acc := &accountpool.Account{Email: "a@example.com"}

	project, err := b.GetProjectForAccount(context.Background(), acc, "tok-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj-discovered" {
		t.Fatalf("expected discovered project id, got %q", project)
	}

	// Second call should hit the cache rather than calling the server again.
	project2, err := b.GetProjectForAccount(context.Background(), acc, "tok-123")
	if err != nil || project2 != "proj-discovered" {
		t.Fatalf("expected cached project returned, got %q err=%v", project2, err)
	}
}

func TestGetProjectForAccount_ObjectShapedProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudaicompanionProject":{"id":"proj-from-object"}}`))
	}))
	defer srv.Close()

	settings := poolconfig.DefaultSettings()
	settings.CloudCodeEndpoints = []string{srv.URL}
	b := New(settings, "cid", "secret", nil)
	acc := &accountpool.Account{Email: "b@example.com"}

	project, err := b.GetProjectForAccount(context.Background(), acc, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj-from-object" {
		t.Fatalf("expected object-shaped project id extracted, got %q", project)
	}
}

func TestGetProjectForAccount_FallsBackToDefaultWhenAllEndpointsFail(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	settings := poolconfig.DefaultSettings()
	settings.CloudCodeEndpoints = []string{failing.URL}
	settings.DefaultProjectID = "proj-default"
	b := New(settings, "cid", "secret", nil)
	acc := &accountpool.Account{Email: "c@example.com"}

	project, err := b.GetProjectForAccount(context.Background(), acc, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj-default" {
		t.Fatalf("expected default project id fallback, got %q", project)
	}
}

func TestGetProjectForAccount_TriesSecondEndpointAfterFirstFails(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cloudaicompanionProject":"proj-from-second"}`))
	}))
	defer working.Close()

	settings := poolconfig.DefaultSettings()
	settings.CloudCodeEndpoints = []string{failing.URL, working.URL}
	b := New(settings, "cid", "secret", nil)
	acc := &accountpool.Account{Email: "d@example.com"}

	project, err := b.GetProjectForAccount(context.Background(), acc, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if project != "proj-from-second" {
		t.Fatalf("expected failover to the second endpoint, got %q", project)
	}
}

func TestInvalidateAccount_ClearsCaches(t *testing.T) {
	b := New(poolconfig.DefaultSettings(), "cid", "secret", nil)
	b.tokenCache["a@example.com"] = tokenCacheEntry{token: "t", mintedAt: time.Now()}
	b.projectCache["a@example.com"] = "proj"

	b.InvalidateAccount("a@example.com")

	if _, ok := b.tokenCache["a@example.com"]; ok {
		t.Fatal("expected token cache entry cleared")
	}
	if _, ok := b.projectCache["a@example.com"]; ok {
		t.Fatal("expected project cache entry cleared")
	}
}
