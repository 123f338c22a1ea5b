// Package credbroker acquires and caches short-lived access tokens per
// account, discovers the Cloud Code project ID per account, and classifies
// failures into transient-network vs permanent-authorization so the caller
// can decide whether to mark an account invalid.
package credbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/badri-s2001/antigravity-gateway/internal/accountpool"
	"github.com/badri-s2001/antigravity-gateway/internal/auth/antigravity"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
)

var brokerLog = log.WithField("component", "credbroker")

// googleTokenEndpoint is the reference gateway's Antigravity OAuth token
// endpoint, not configurable via poolconfig.Settings since it is not a
// property of any deployment, only of Google's OAuth surface.
const googleTokenEndpoint = antigravity.TokenEndpoint

// InvalidateFunc marks an account invalid in the pool. The broker never
// imports the pool package's mutation logic directly; it calls back through
// this function, keeping the two components decoupled the way the teacher
// keeps its auth manager decoupled from individual provider executors.
type InvalidateFunc func(email, reason string)

type tokenCacheEntry struct {
	token    string
	mintedAt time.Time
}

// Broker is the credential broker. Safe for concurrent use.
type Broker struct {
	httpClient   *http.Client
	settings     poolconfig.Settings
	clientID     string
	clientSecret string

	invalidate InvalidateFunc

	mu           sync.Mutex
	tokenCache   map[string]tokenCacheEntry
	projectCache map[string]string
}

// New constructs a Broker. clientID/clientSecret are the OAuth client
// credentials used for the refresh_token grant against Google's token
// endpoint. When either is empty, the reference gateway's own Antigravity
// OAuth client (internal/auth/antigravity) is used, matching how accounts
// provisioned by the reference gateway's CLI are meant to refresh.
func New(settings poolconfig.Settings, clientID, clientSecret string, invalidate InvalidateFunc) *Broker {
	if clientID == "" {
		clientID = antigravity.ClientID
	}
	if clientSecret == "" {
		clientSecret = antigravity.ClientSecret
	}
	return &Broker{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		settings:     settings,
		clientID:     clientID,
		clientSecret: clientSecret,
		invalidate:   invalidate,
		tokenCache:   make(map[string]tokenCacheEntry),
		projectCache: make(map[string]string),
	}
}

// GetTokenForAccount returns a valid access token for acc, refreshing it if
// the cached value has aged past the configured refresh interval.
func (b *Broker) GetTokenForAccount(ctx context.Context, acc *accountpool.Account) (string, error) {
	if acc.Source == accountpool.SourceAPIKey {
		return acc.APIKey, nil
	}

	b.mu.Lock()
	entry, ok := b.tokenCache[acc.Email]
	b.mu.Unlock()
	if ok && time.Since(entry.mintedAt) < b.settings.TokenRefreshInterval {
		return entry.token, nil
	}

	if acc.Source == accountpool.SourceDB {
		// Reading from a locally configured database is an external
		// collaborator concern (§4.2); the broker has no db connection of
		// its own to read from here.
		return "", invalidErr("db-backed account requires collaborator-supplied token", nil)
	}

	token, err := b.refresh(ctx, acc.RefreshToken)
	if err != nil {
		if ierr, ok := err.(*Error); ok && ierr.Kind == KindInvalid && b.invalidate != nil {
			b.invalidate(acc.Email, ierr.Message)
		}
		return "", err
	}

	b.mu.Lock()
	b.tokenCache[acc.Email] = tokenCacheEntry{token: token, mintedAt: time.Now()}
	b.mu.Unlock()
	return token, nil
}

// refresh exchanges a refresh token at Google's token endpoint, classifying
// the result into a transient network error or a permanent auth error.
func (b *Broker) refresh(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {b.clientID},
		"client_secret": {b.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", invalidErr("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return "", networkErr("token refresh network failure", err)
		}
		return "", networkErr("token refresh request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkErr("failed reading token response body", err)
	}

	if resp.StatusCode >= 400 {
		var oauthErr struct {
			Error     string `json:"error"`
			ErrorDesc string `json:"error_description"`
		}
		_ = json.Unmarshal(raw, &oauthErr)
		if resp.StatusCode >= 500 {
			return "", networkErr(fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
		}
		msg := oauthErr.Error
		if oauthErr.ErrorDesc != "" {
			msg += ": " + oauthErr.ErrorDesc
		}
		return "", invalidErr("token endpoint rejected refresh token: "+msg, nil)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", invalidErr("malformed token response", err)
	}
	if tok.AccessToken == "" {
		return "", invalidErr("token response missing access_token", nil)
	}
	return tok.AccessToken, nil
}

// isNetworkError reports whether err represents a DNS failure, connection
// refused/reset, or timeout rather than an HTTP-level response.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// GetProjectForAccount returns the Cloud AI Companion project ID associated
// with acc, discovering it via :loadCodeAssist if not already cached or
// pre-assigned.
func (b *Broker) GetProjectForAccount(ctx context.Context, acc *accountpool.Account, token string) (string, error) {
	b.mu.Lock()
	if cached, ok := b.projectCache[acc.Email]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	if acc.ProjectID != "" {
		b.cacheProject(acc.Email, acc.ProjectID)
		return acc.ProjectID, nil
	}

	for _, endpoint := range b.settings.CloudCodeEndpoints {
		project, err := b.loadCodeAssist(ctx, endpoint, token)
		if err != nil {
			brokerLog.WithFields(log.Fields{"endpoint": endpoint, "email": acc.Email}).WithError(err).Debug("loadCodeAssist failed, trying next endpoint")
			continue
		}
		if project != "" {
			b.cacheProject(acc.Email, project)
			return project, nil
		}
	}

	brokerLog.WithField("email", acc.Email).Warn("project discovery exhausted all endpoints, using default project id")
	b.cacheProject(acc.Email, b.settings.DefaultProjectID)
	return b.settings.DefaultProjectID, nil
}

func (b *Broker) cacheProject(email, project string) {
	b.mu.Lock()
	b.projectCache[email] = project
	b.mu.Unlock()
}

// loadCodeAssist calls POST {endpoint}/v1internal:loadCodeAssist and extracts
// cloudaicompanionProject, which may be a bare string or an {id} object.
func (b *Broker) loadCodeAssist(ctx context.Context, endpoint, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", strings.NewReader(`{}`))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist: status %d", resp.StatusCode)
	}

	var body struct {
		CloudaicompanionProject json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.CloudaicompanionProject) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(body.CloudaicompanionProject, &asString); err == nil {
		return asString, nil
	}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body.CloudaicompanionProject, &asObject); err == nil {
		return asObject.ID, nil
	}
	return "", nil
}

// InvalidateAccount drops the cached token and project for email. Called by
// the dispatcher when the upstream returns 401.
func (b *Broker) InvalidateAccount(email string) {
	b.mu.Lock()
	delete(b.tokenCache, email)
	delete(b.projectCache, email)
	b.mu.Unlock()
}
