package poolconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSettingsFile reads a YAML settings document from path and overlays it
// onto DefaultSettings. A zero value for any scalar field is treated as
// "not set" and the default is kept, mirroring the reference gateway's
// tolerance for partial config files. Unknown top-level keys are preserved
// on Extra rather than rejected.
func LoadSettingsFile(path string) (Settings, error) {
	settings := DefaultSettings()

	raw, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read settings file: %w", err)
	}

	var overlay Settings
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return settings, fmt.Errorf("parse settings file: %w", err)
	}

	var extra map[string]any
	if err := yaml.Unmarshal(raw, &extra); err == nil {
		settings.Extra = extra
	}

	applyOverlay(&settings, overlay)
	return settings, nil
}

func applyOverlay(dst *Settings, src Settings) {
	if src.TokenRefreshInterval != 0 {
		dst.TokenRefreshInterval = src.TokenRefreshInterval
	}
	if src.DefaultCooldown != 0 {
		dst.DefaultCooldown = src.DefaultCooldown
	}
	if src.MaxWaitBeforeError != 0 {
		dst.MaxWaitBeforeError = src.MaxWaitBeforeError
	}
	if src.MinSignatureLength != 0 {
		dst.MinSignatureLength = src.MinSignatureLength
	}
	if src.GeminiMaxOutputTokens != 0 {
		dst.GeminiMaxOutputTokens = src.GeminiMaxOutputTokens
	}
	if src.SentinelSignature != "" {
		dst.SentinelSignature = src.SentinelSignature
	}
	if len(src.CloudCodeEndpoints) > 0 {
		dst.CloudCodeEndpoints = src.CloudCodeEndpoints
	}
	if src.DefaultProjectID != "" {
		dst.DefaultProjectID = src.DefaultProjectID
	}
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.SignatureCacheCapacity != 0 {
		dst.SignatureCacheCapacity = src.SignatureCacheCapacity
	}
	if len(src.ModelAliases) > 0 {
		dst.ModelAliases = src.ModelAliases
	}
	if src.DefaultChatModel != "" {
		dst.DefaultChatModel = src.DefaultChatModel
	}
	if len(src.FallbackModels) > 0 {
		dst.FallbackModels = src.FallbackModels
	}
}
