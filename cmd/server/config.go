package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

type config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	TLSCertFile    string   `yaml:"tls_cert"`
	TLSKeyFile     string   `yaml:"tls_key"`
	Storage        string   `yaml:"storage"`
	DBUrl          string   `yaml:"db_url"`
	MigrationsDir  string   `yaml:"migrations_dir"`
	LogLevel       string   `yaml:"log_level"`
	RootToken      string   `yaml:"root_token"`
	AutoMerge      bool     `yaml:"auto_merge"`
	Quorum         int      `yaml:"quorum"`
	VoteRetries    int      `yaml:"vote_retries"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   int      `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	TokenCacheSize int      `yaml:"token_cache_size"`
	TokenCacheTTL  string   `yaml:"token_cache_ttl"`
	Tracing        string   `yaml:"tracing"`
	GaugeInterval  string   `yaml:"gauge_interval"`
}

func defaultConfig() config {
	return config{
		ListenAddr:     ":8300",
		Storage:        storagePostgres,
		MigrationsDir:  "migrations",
		LogLevel:       "info",
		VoteRetries:    5,
		RateLimitRPS:   100,
		RateLimitBurst: 200,
		TokenCacheSize: 1024,
		TokenCacheTTL:  "5s",
		Tracing:        "none",
		GaugeInterval:  "30s",
	}
}

// loadConfig reads path over the defaults, then applies environment
// overrides. A missing file is not an error.
func loadConfig(path string, getenv func(string) string) (config, bool, error) {
	cfg := defaultConfig()
	found := true
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, true, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		found = false
	default:
		return cfg, false, fmt.Errorf("reading %s: %w", path, err)
	}

	if v := getenv("APPROVALS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := getenv("APPROVALS_ROOT_TOKEN"); v != "" {
		cfg.RootToken = v
	}
	if v := getenv("APPROVALS_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := getenv("APPROVALS_AUTO_MERGE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, found, fmt.Errorf("APPROVALS_AUTO_MERGE: %w", err)
		}
		cfg.AutoMerge = b
	}
	return cfg, found, cfg.validate()
}

func (c config) validate() error {
	switch strings.ToLower(c.Storage) {
	case storagePostgres:
		if c.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var)")
		}
	case storageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want postgres or memory)", c.Storage)
	}
	if c.RootToken == "" {
		return errors.New("root_token must be configured (or APPROVALS_ROOT_TOKEN env var)")
	}
	if c.VoteRetries < 0 {
		return errors.New("vote_retries must not be negative")
	}
	if c.Quorum < 0 {
		return errors.New("quorum must not be negative")
	}
	if _, err := c.tokenCacheTTL(); err != nil {
		return err
	}
	return nil
}

func (c config) tokenCacheTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.TokenCacheTTL)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("token_cache_ttl must be a positive duration, got %q", c.TokenCacheTTL)
	}
	return d, nil
}
