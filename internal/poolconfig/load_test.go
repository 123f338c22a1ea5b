package poolconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettingsFile_OverlaysProvidedFieldsOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	body := "defaultCooldown: 30s\ndefaultChatModel: claude-opus-4\ncloudCodeEndpoints:\n  - https://example.test\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	settings, err := LoadSettingsFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.DefaultCooldown != 30*time.Second {
		t.Fatalf("expected overlaid cooldown, got %v", settings.DefaultCooldown)
	}
	if settings.DefaultChatModel != "claude-opus-4" {
		t.Fatalf("expected overlaid chat model, got %q", settings.DefaultChatModel)
	}
	if len(settings.CloudCodeEndpoints) != 1 || settings.CloudCodeEndpoints[0] != "https://example.test" {
		t.Fatalf("expected overlaid endpoints, got %v", settings.CloudCodeEndpoints)
	}
	if settings.MaxRetries != DefaultSettings().MaxRetries {
		t.Fatalf("expected unspecified field to keep its default, got %d", settings.MaxRetries)
	}
}

func TestLoadSettingsFile_MissingFileReturnsError(t *testing.T) {
	if _, err := LoadSettingsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing settings file")
	}
}

