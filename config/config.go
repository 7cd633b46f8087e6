package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"git.pepabo.com/yukyan/gh-prstats/github/util"
)

// ErrNoCredentials is returned when neither app credentials nor a token are configured.
var ErrNoCredentials = errors.New("no GitHub credentials configured")

type Config struct {
	CacheDir     string        `yaml:"cache_dir"`
	Repositories []string      `yaml:"repositories"`
	GitHub       GitHubConfig  `yaml:"github"`
	Sync         SyncConfig    `yaml:"sync"`
	Results      ResultsConfig `yaml:"results"`
	Log          LogConfig     `yaml:"log"`
}

type GitHubConfig struct {
	APIURL         string `yaml:"api_url"`
	APIVersion     string `yaml:"api_version"`
	Host           string `yaml:"host"`
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
}

type SyncConfig struct {
	PerPage            int           `yaml:"per_page"`
	PRDelay            time.Duration `yaml:"pr_delay"`
	RateLimitThreshold int           `yaml:"rate_limit_threshold"`
	RateLimitWait      time.Duration `yaml:"rate_limit_wait"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryWait          time.Duration `yaml:"retry_wait"`
	TestModeLimit      int           `yaml:"test_mode_limit"`
	TestModeDays       int           `yaml:"test_mode_days"`
}

type ResultsConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads configPath on top of the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "prstats.yaml"
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	if err := cfg.overrideFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		CacheDir: ".github_cache",
		GitHub: GitHubConfig{
			APIURL:     "https://api.github.com/",
			APIVersion: "2022-11-28",
			Host:       "github.com",
		},
		Sync: SyncConfig{
			PerPage:            100,
			PRDelay:            100 * time.Millisecond,
			RateLimitThreshold: 10,
			RateLimitWait:      60 * time.Second,
			MaxRetries:         3,
			RetryWait:          2 * time.Second,
			TestModeLimit:      5,
			TestModeDays:       7,
		},
		Results: ResultsConfig{
			MaxAgeDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) overrideFromEnv() error {
	if dir := os.Getenv("PRSTATS_CACHE_DIR"); dir != "" {
		c.CacheDir = dir
	}
	if repos := os.Getenv("PRSTATS_REPOSITORIES"); repos != "" {
		c.Repositories = SplitList(repos)
	}
	if apiURL := os.Getenv("GITHUB_API_BASE_URL"); apiURL != "" {
		c.GitHub.APIURL = apiURL
	}
	if version := os.Getenv("GITHUB_API_VERSION"); version != "" {
		c.GitHub.APIVersion = version
	}
	// GITHUB_TOKEN wins over GH_TOKEN, as in the gh CLI.
	if token := os.Getenv("GH_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if appID := os.Getenv("GITHUB_APP_ID"); appID != "" {
		id, err := strconv.ParseInt(appID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GITHUB_APP_ID %q: %w", appID, err)
		}
		c.GitHub.AppID = id
	}
	if path := os.Getenv("GITHUB_PRIVATE_KEY_PATH"); path != "" {
		c.GitHub.PrivateKeyPath = path
	}
	if key := os.Getenv("GITHUB_PRIVATE_KEY"); key != "" {
		c.GitHub.PrivateKey = key
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}

// Validate rejects configuration the sync and analysis cannot work with.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return errors.New("cache_dir must not be empty")
	}
	for _, repo := range c.Repositories {
		if _, _, err := util.SplitRepository(repo); err != nil {
			return err
		}
	}
	if c.Sync.PerPage <= 0 || c.Sync.PerPage > 100 {
		return fmt.Errorf("sync.per_page must be between 1 and 100, got %d", c.Sync.PerPage)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.TestModeLimit <= 0 {
		return fmt.Errorf("sync.test_mode_limit must be positive, got %d", c.Sync.TestModeLimit)
	}
	if c.Sync.PRDelay < 0 || c.Sync.RateLimitWait < 0 || c.Sync.RetryWait < 0 {
		return errors.New("sync delays must not be negative")
	}
	if c.Results.MaxAgeDays < 0 {
		return fmt.Errorf("results.max_age_days must not be negative, got %d", c.Results.MaxAgeDays)
	}
	return nil
}

// PrivateKeyPEM returns the app private key, read from PrivateKeyPath when
// no inline key is set.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.GitHub.PrivateKey != "" {
		// Keys passed through env files often carry literal \n sequences.
		return []byte(strings.ReplaceAll(c.GitHub.PrivateKey, `\n`, "\n")), nil
	}
	if c.GitHub.PrivateKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return data, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type teamConfig struct {
	GitHubRepositories []string `json:"github_repositories"`
}

// LoadTeamRepositories reads the github_repositories list of a team config file.
func LoadTeamRepositories(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read team config: %w", err)
	}
	var tc teamConfig
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("invalid team config %s: %w", path, err)
	}
	return tc.GitHubRepositories, nil
}
