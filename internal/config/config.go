// Package config loads pipeline configuration from a YAML file with
// FRONTIER_* environment overrides. There is no process-global environment
// switch: the resulting Config struct is passed explicitly into the
// orchestrator at run start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string
	LLM     LLMConfig
	SMTP    SMTPConfig
	Digest  DigestConfig
	Server  ServerConfig
	Sources []Source
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type DigestConfig struct {
	// TopN is how many digests one email carries.
	TopN int
	// UserConcurrency bounds the per-user worker pool.
	UserConcurrency int
}

type ServerConfig struct {
	Port  int
	Token string
}

// Source is one feed the scraper polls. RSS and Atom both work, which
// covers article feeds and YouTube channel feeds alike.
type Source struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func defaults() Config {
	return Config{
		DataDir: defaultDataDir(),
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		Digest: DigestConfig{
			TopN:            5,
			UserConcurrency: 4,
		},
		Server: ServerConfig{
			Port: 4600,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".frontier")
	}
	return ".frontier"
}

// fileConfig mirrors the YAML layout; zero values mean "keep default".
type fileConfig struct {
	DataDir string `yaml:"data_dir"`
	LLM     struct {
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		Model      string `yaml:"model"`
		TimeoutSec int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	Digest struct {
		TopN            int `yaml:"top_n"`
		UserConcurrency int `yaml:"user_concurrency"`
	} `yaml:"digest"`
	Server struct {
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
	} `yaml:"server"`
	Sources []Source `yaml:"sources"`
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist) and applies FRONTIER_* environment
// overrides. Credential validation happens separately in ValidateRun so
// read-only commands work without secrets.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; env vars may carry everything.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file: %w", err)
		default:
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			applyFile(&cfg, fc)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.LLM.APIKey, fc.LLM.APIKey)
	setString(&cfg.LLM.BaseURL, fc.LLM.BaseURL)
	setString(&cfg.LLM.Model, fc.LLM.Model)
	if fc.LLM.TimeoutSec > 0 {
		cfg.LLM.Timeout = time.Duration(fc.LLM.TimeoutSec) * time.Second
	}
	setString(&cfg.SMTP.Host, fc.SMTP.Host)
	setInt(&cfg.SMTP.Port, fc.SMTP.Port)
	setString(&cfg.SMTP.Username, fc.SMTP.Username)
	setString(&cfg.SMTP.Password, fc.SMTP.Password)
	setString(&cfg.SMTP.From, fc.SMTP.From)
	setInt(&cfg.Digest.TopN, fc.Digest.TopN)
	setInt(&cfg.Digest.UserConcurrency, fc.Digest.UserConcurrency)
	setInt(&cfg.Server.Port, fc.Server.Port)
	setString(&cfg.Server.Token, fc.Server.Token)
	if len(fc.Sources) > 0 {
		cfg.Sources = fc.Sources
	}
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.DataDir, os.Getenv("FRONTIER_DATA_DIR"))
	setString(&cfg.LLM.APIKey, os.Getenv("FRONTIER_LLM_API_KEY"))
	setString(&cfg.LLM.BaseURL, os.Getenv("FRONTIER_LLM_BASE_URL"))
	setString(&cfg.LLM.Model, os.Getenv("FRONTIER_LLM_MODEL"))
	if v := os.Getenv("FRONTIER_LLM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.Timeout = time.Duration(n) * time.Second
		}
	}
	setString(&cfg.SMTP.Host, os.Getenv("FRONTIER_SMTP_HOST"))
	setEnvInt(&cfg.SMTP.Port, "FRONTIER_SMTP_PORT")
	setString(&cfg.SMTP.Username, os.Getenv("FRONTIER_SMTP_USERNAME"))
	setString(&cfg.SMTP.Password, os.Getenv("FRONTIER_SMTP_PASSWORD"))
	setString(&cfg.SMTP.From, os.Getenv("FRONTIER_SMTP_FROM"))
	setEnvInt(&cfg.Digest.TopN, "FRONTIER_TOP_N")
	setEnvInt(&cfg.Digest.UserConcurrency, "FRONTIER_USER_CONCURRENCY")
	setEnvInt(&cfg.Server.Port, "FRONTIER_SERVER_PORT")
	setString(&cfg.Server.Token, os.Getenv("FRONTIER_API_TOKEN"))
}

// ValidateRun checks the credentials a full pipeline run depends on. A run
// must abort on these before any partial writes, so the caller is expected
// to fail fast on error.
func (c Config) ValidateRun() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing LLM API key: set FRONTIER_LLM_API_KEY or llm.api_key")
	}
	if c.SMTP.Host == "" {
		return fmt.Errorf("missing SMTP host: set FRONTIER_SMTP_HOST or smtp.host")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("missing SMTP sender: set FRONTIER_SMTP_FROM or smtp.from")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
