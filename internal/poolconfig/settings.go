// Package poolconfig holds the in-process configuration record shared by the
// account pool, credential broker, dispatcher, and translator. Loading this
// struct from a YAML file on disk is a collaborator concern; this package only
// defines the record and its defaults.
package poolconfig

import "time"

// ModelAlias maps a client-visible model name to the upstream model it should
// resolve to. Mirrors the reverse-alias shape the teacher keeps per OAuth
// channel, flattened here since this gateway only has one upstream channel.
type ModelAlias struct {
	Alias string `yaml:"alias" json:"alias"`
	Model string `yaml:"model" json:"model"`
}

// Settings is the single configuration record for the core engine. Every
// field named as a "Constant" in the specification's external-interfaces
// section lives here, with a documented default in DefaultSettings.
type Settings struct {
	// TokenRefreshInterval is how long a cached access token is considered
	// fresh before the broker re-exchanges the refresh token.
	TokenRefreshInterval time.Duration `yaml:"tokenRefreshInterval" json:"tokenRefreshInterval"`

	// DefaultCooldown is applied to a (account, model) pair when a 429 is
	// observed but no reset hint could be parsed from the response.
	DefaultCooldown time.Duration `yaml:"defaultCooldown" json:"defaultCooldown"`

	// MaxWaitBeforeError bounds how long the dispatcher will sleep in-process
	// waiting for a cooldown to clear before surfacing RESOURCE_EXHAUSTED.
	MaxWaitBeforeError time.Duration `yaml:"maxWaitBeforeError" json:"maxWaitBeforeError"`

	// MinSignatureLength is the shortest thinking signature that is trusted
	// enough to forward upstream; shorter values are treated as absent.
	MinSignatureLength int `yaml:"minSignatureLength" json:"minSignatureLength"`

	// GeminiMaxOutputTokens caps maxOutputTokens when targeting a Gemini-family
	// model.
	GeminiMaxOutputTokens int `yaml:"geminiMaxOutputTokens" json:"geminiMaxOutputTokens"`

	// SentinelSignature is accepted by the upstream in lieu of a real thought
	// signature when none is available.
	SentinelSignature string `yaml:"sentinelSignature" json:"sentinelSignature"`

	// CloudCodeEndpoints is the ordered list of upstream hosts to try, most
	// preferred first.
	CloudCodeEndpoints []string `yaml:"cloudCodeEndpoints" json:"cloudCodeEndpoints"`

	// DefaultProjectID is returned when project discovery fails on every
	// configured endpoint.
	DefaultProjectID string `yaml:"defaultProjectId" json:"defaultProjectId"`

	// MaxRetries is the retry ceiling for the dispatcher's outer loop. The
	// effective ceiling is max(MaxRetries, accountCount+1).
	MaxRetries int `yaml:"maxRetries" json:"maxRetries"`

	// SignatureCacheCapacity bounds each of the signature cache's two LRU maps.
	SignatureCacheCapacity int `yaml:"signatureCacheCapacity" json:"signatureCacheCapacity"`

	// ModelAliases seeds the OpenAI front-door's alias table.
	ModelAliases []ModelAlias `yaml:"modelAliases" json:"modelAliases"`

	// DefaultChatModel is used when an OpenAI request's model is unrecognized.
	DefaultChatModel string `yaml:"defaultChatModel" json:"defaultChatModel"`

	// FallbackModels maps a model ID to the model ID the dispatcher should try
	// once, when every account is exhausted for the original model.
	FallbackModels map[string]string `yaml:"fallbackModels" json:"fallbackModels"`

	// Extra preserves any field the core does not recognize so that round-tripping
	// the owning collaborator's YAML/JSON document never silently drops data.
	Extra map[string]any `yaml:"-" json:"-"`
}

// DefaultSettings returns a Settings populated with the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		TokenRefreshInterval:  45 * time.Minute,
		DefaultCooldown:       60 * time.Second,
		MaxWaitBeforeError:    2 * time.Minute,
		MinSignatureLength:    50,
		GeminiMaxOutputTokens: 65536,
		SentinelSignature:     "skip_thought_signature_validator",
		CloudCodeEndpoints: []string{
			"https://daily-cloudcode-pa.googleapis.com",
			"https://daily-cloudcode-pa.sandbox.googleapis.com",
		},
		DefaultProjectID:        "",
		MaxRetries:              3,
		SignatureCacheCapacity:  2048,
		DefaultChatModel:        "gemini-2.0-flash",
		FallbackModels:          map[string]string{},
		ModelAliases: []ModelAlias{
			{Alias: "opus", Model: "claude-opus-4"},
			{Alias: "sonnet", Model: "claude-sonnet-4"},
			{Alias: "gemini", Model: "gemini-2.0-flash"},
		},
	}
}
