// Package accountpool owns the set of Google accounts used to fulfill
// upstream requests, selecting one per inbound request with a
// sticky-then-failover policy and tracking per-model rate-limit cooldowns.
package accountpool

import "time"

// SourceKind identifies how an Account authenticates against Google.
type SourceKind string

const (
	SourceOAuth  SourceKind = "oauth"
	SourceAPIKey SourceKind = "api_key"
	SourceDB     SourceKind = "db"
)

// ModelRateLimit tracks whether a single model is currently cooling down for
// one account.
type ModelRateLimit struct {
	IsRateLimited bool      `json:"isRateLimited"`
	ResetTime     time.Time `json:"resetTime,omitempty"`
}

// Account is one Google account in the pool.
type Account struct {
	Email string `json:"email"`

	Source       SourceKind `json:"source"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	APIKey       string     `json:"apiKey,omitempty"`
	ProjectID    string     `json:"projectId,omitempty"`

	AddedAt time.Time  `json:"addedAt"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`

	IsInvalid   bool      `json:"isInvalid"`
	InvalidReason string  `json:"invalidReason,omitempty"`
	InvalidAt   time.Time `json:"invalidAt,omitempty"`

	ModelRateLimits map[string]*ModelRateLimit `json:"modelRateLimits,omitempty"`
}

// Clone returns a deep-enough copy of the account safe to hand to a caller
// outside the pool's lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.LastUsed != nil {
		t := *a.LastUsed
		out.LastUsed = &t
	}
	if a.ModelRateLimits != nil {
		out.ModelRateLimits = make(map[string]*ModelRateLimit, len(a.ModelRateLimits))
		for k, v := range a.ModelRateLimits {
			if v == nil {
				continue
			}
			cp := *v
			out.ModelRateLimits[k] = &cp
		}
	}
	return &out
}

// markInvalid flips the invalid flag and records the reason/timestamp.
// The invariant that isInvalid implies a non-empty reason is enforced here.
func (a *Account) markInvalid(reason string, now time.Time) {
	if reason == "" {
		reason = "unknown error"
	}
	a.IsInvalid = true
	a.InvalidReason = reason
	a.InvalidAt = now
}

// clearInvalid resets the invalid flag, done once per process load so every
// account gets a fresh chance to refresh.
func (a *Account) clearInvalid() {
	a.IsInvalid = false
	a.InvalidReason = ""
	a.InvalidAt = time.Time{}
}

// rateLimitFor returns the rate-limit entry for model, creating none if absent.
func (a *Account) rateLimitFor(model string) *ModelRateLimit {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[model]
}

// isRateLimitedFor reports whether the account is currently cooling down for
// model as of now. An expired entry is treated as not rate-limited (the caller
// is responsible for sweeping it out via clearExpired).
func (a *Account) isRateLimitedFor(model string, now time.Time) bool {
	rl := a.rateLimitFor(model)
	if rl == nil || !rl.IsRateLimited {
		return false
	}
	return now.Before(rl.ResetTime)
}

// usableFor reports whether the account can currently serve model.
func (a *Account) usableFor(model string, now time.Time) bool {
	if a.IsInvalid {
		return false
	}
	return !a.isRateLimitedFor(model, now)
}

// setRateLimited marks (account, model) rate-limited until reset.
func (a *Account) setRateLimited(model string, reset time.Time) {
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*ModelRateLimit)
	}
	a.ModelRateLimits[model] = &ModelRateLimit{IsRateLimited: true, ResetTime: reset}
}

// clearExpiredRateLimits drops or flags false any rate-limit entry whose reset
// has passed.
func (a *Account) clearExpiredRateLimits(now time.Time) {
	for model, rl := range a.ModelRateLimits {
		if rl == nil {
			delete(a.ModelRateLimits, model)
			continue
		}
		if rl.IsRateLimited && !now.Before(rl.ResetTime) {
			rl.IsRateLimited = false
		}
	}
}
