package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewExecutorConfigFromEnv_Defaults(t *testing.T) {
	cfg := NewExecutorConfigFromEnv()
	if !cfg.GenerateAttestations {
		t.Fatalf("expected GenerateAttestations to default true")
	}
	if cfg.PolicyDefaults.BackoffStrategy != BackoffExponential {
		t.Fatalf("expected default backoff strategy exponential, got %s", cfg.PolicyDefaults.BackoffStrategy)
	}
	if cfg.PolicyDefaults.BackoffBaseMs != 1000 {
		t.Fatalf("expected default backoff base 1000, got %d", cfg.PolicyDefaults.BackoffBaseMs)
	}
}

func TestLoadExecutorConfigFile_StrictDecodeRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "generateAttestations: true\nbogusField: 1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if _, err := LoadExecutorConfigFile(path); err == nil {
		t.Fatalf("expected an error decoding a config with an unknown field")
	}
}

func TestLoadExecutorConfigFile_RejectsMultipleDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "generateAttestations: true\n---\ngenerateAttestations: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if _, err := LoadExecutorConfigFile(path); err == nil {
		t.Fatalf("expected an error for a multi-document config file")
	}
}

func TestLoadExecutorConfigFile_ValidFileLoadsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "generateAttestations: false\npolicyDefaults:\n  backoffStrategy: fixed\n  backoffBaseMs: 2500\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	cfg, err := LoadExecutorConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GenerateAttestations {
		t.Fatalf("expected GenerateAttestations=false to be respected")
	}
	if cfg.PolicyDefaults.BackoffStrategy != BackoffFixed {
		t.Fatalf("expected backoff strategy fixed, got %s", cfg.PolicyDefaults.BackoffStrategy)
	}
	if cfg.PolicyDefaults.BackoffBaseMs != 2500 {
		t.Fatalf("expected backoff base 2500, got %d", cfg.PolicyDefaults.BackoffBaseMs)
	}
}

func TestResolveAttestationKey_EnvOverridesFallback(t *testing.T) {
	t.Setenv(EnvAttestationKey, "a-shared-secret")
	key, ref := resolveAttestationKey("tenant-a")
	if string(key) != "a-shared-secret" {
		t.Fatalf("expected env key to win, got %q", key)
	}
	if ref != "env:"+EnvAttestationKey {
		t.Fatalf("expected ref to name the env var, got %q", ref)
	}
}

func TestResolveAttestationKey_FallbackIsScopeDependentAndDeterministic(t *testing.T) {
	os.Unsetenv(EnvAttestationKey)
	k1, ref1 := resolveAttestationKey("tenant-a")
	k2, _ := resolveAttestationKey("tenant-b")
	k1Again, _ := resolveAttestationKey("tenant-a")

	if string(k1) == string(k2) {
		t.Fatalf("expected different scopes to derive different fallback keys")
	}
	if string(k1) != string(k1Again) {
		t.Fatalf("expected the same scope to derive the same fallback key across calls")
	}
	if ref1 != "dev-fallback" {
		t.Fatalf("expected dev-fallback ref, got %q", ref1)
	}
}
