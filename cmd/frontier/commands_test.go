package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// writeTestConfig creates a config file pointing at a per-test data dir and
// returns the config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %s\n", filepath.Join(dir, "data"))
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return cfgFile
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestProfilesSyncAndShow(t *testing.T) {
	cfgFile := writeTestConfig(t)

	profilesFile := filepath.Join(t.TempDir(), "profiles.yaml")
	profilesYAML := `- user_id: u1
  email: u1@example.com
  name: First User
  preferred_categories: [research, technique]
`
	if err := os.WriteFile(profilesFile, []byte(profilesYAML), 0o644); err != nil {
		t.Fatalf("writing profiles: %v", err)
	}

	if err := execute(t, "profiles", "sync", profilesFile, "--config", cfgFile); err != nil {
		t.Fatalf("profiles sync: %v", err)
	}

	// The synced profile is visible through the store.
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	p, err := store.GetProfile("u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Email != "u1@example.com" {
		t.Errorf("Email = %q", p.Email)
	}
	if !p.PrefersCategory("research") {
		t.Error("preferred categories not persisted")
	}
}

func TestStatus_EmptyStore(t *testing.T) {
	cfgFile := writeTestConfig(t)

	if err := execute(t, "status", "--config", cfgFile); err != nil {
		t.Fatalf("status on empty store: %v", err)
	}
}

func TestScrape_NoSourcesConfigured(t *testing.T) {
	cfgFile := writeTestConfig(t)

	err := execute(t, "scrape", "--config", cfgFile)
	if err == nil || !strings.Contains(err.Error(), "no sources configured") {
		t.Fatalf("err = %v, want no-sources error", err)
	}
}

func TestDigest_RequiresAPIKey(t *testing.T) {
	if os.Getenv("FRONTIER_LLM_API_KEY") != "" {
		t.Skip("FRONTIER_LLM_API_KEY set in environment")
	}
	cfgFile := writeTestConfig(t)

	err := execute(t, "digest", "--config", cfgFile)
	if err == nil || !strings.Contains(err.Error(), "missing LLM API key") {
		t.Fatalf("err = %v, want missing-key error", err)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "ok"); strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "ok"); !strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}
