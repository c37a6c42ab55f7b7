package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Digest.TopN != 5 {
		t.Errorf("TopN = %d, want 5", cfg.Digest.TopN)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("LLM timeout = %v, want 30s", cfg.LLM.Timeout)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("SMTP port = %d, want 587", cfg.SMTP.Port)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", `
llm:
  api_key: file-key
  model: file-model
smtp:
  host: mail.example.com
  from: digest@example.com
digest:
  top_n: 7
sources:
  - name: openai
    url: https://openai.com/news/rss.xml
`)

	// Env beats file.
	t.Setenv("FRONTIER_LLM_API_KEY", "env-key")
	t.Setenv("FRONTIER_TOP_N", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "file-model" {
		t.Errorf("Model = %q, want file-model", cfg.LLM.Model)
	}
	if cfg.Digest.TopN != 9 {
		t.Errorf("TopN = %d, want 9", cfg.Digest.TopN)
	}
	want := []Source{{Name: "openai", URL: "https://openai.com/news/rss.xml"}}
	if diff := cmp.Diff(want, cfg.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("Load on missing file: %v", err)
	}
}

func TestValidateRun(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := cfg.ValidateRun(); err == nil {
		t.Error("ValidateRun passed without an LLM key")
	}

	cfg.LLM.APIKey = "k"
	if err := cfg.ValidateRun(); err == nil {
		t.Error("ValidateRun passed without SMTP host")
	}

	cfg.SMTP.Host = "mail.example.com"
	cfg.SMTP.From = "digest@example.com"
	if err := cfg.ValidateRun(); err != nil {
		t.Errorf("ValidateRun on complete config: %v", err)
	}
}

func TestLoadProfiles(t *testing.T) {
	path := writeFile(t, "profiles.yaml", `
- user_id: u1
  email: u1@example.com
  name: Dana
  preferred_categories: [research, technique]
  preferences: prefer practical, avoid marketing
  expertise_level: advanced
- user_id: u2
  email: u2@example.com
  is_active: false
`)

	got, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	want := []storage.UserProfile{
		{
			UserID:              "u1",
			Email:               "u1@example.com",
			Name:                "Dana",
			PreferredCategories: []string{"research", "technique"},
			Preferences:         "prefer practical, avoid marketing",
			ExpertiseLevel:      "advanced",
			IsActive:            true,
		},
		{UserID: "u2", Email: "u2@example.com", IsActive: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("profiles mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadProfiles_Invalid(t *testing.T) {
	path := writeFile(t, "profiles.yaml", `
- email: missing-id@example.com
`)
	if _, err := LoadProfiles(path); err == nil {
		t.Error("LoadProfiles accepted a profile without user_id")
	}
}
