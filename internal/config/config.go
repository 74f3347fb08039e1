// Package config loads agentdesk settings from config.yaml and the
// environment.
//
// Precedence, highest first: AGENTDESK_* environment variables, config.yaml
// in the config directory, built-in defaults. A missing config.yaml is not
// an error.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	envPrefix = "AGENTDESK"

	KeyDataDir           = "data_dir"
	KeyCloudURL          = "cloud_url"
	KeyUserID            = "user_id"
	KeyToken             = "token"
	KeyIdentityFile      = "identity_file"
	KeyReconnectDebounce = "reconnect_debounce"
	KeyPullInterval      = "pull_interval"
	KeyProbeInterval     = "probe_interval"
	KeyDashboardAddr     = "dashboard_addr"
	KeyLogFile           = "log_file"
	KeyAutoDrain         = "auto_drain"

	// MemoryURL selects the in-process cloud.
	MemoryURL = "memory://"
)

// defaultConfigYAML is written by WriteDefault.
const defaultConfigYAML = `# agentdesk configuration
# Every key can be overridden with an AGENTDESK_<KEY> environment variable.

# Cloud endpoint: memory:// for a local in-process cloud, or an http(s) URL.
cloud_url: memory://

# Sign-in is normally handled through the identity file (agentdesk cloud login).
# user_id:
# token:

reconnect_debounce: 2s
pull_interval: 60s
probe_interval: 10s
dashboard_addr: 127.0.0.1:8788

# Rotating log file, in addition to stderr (optional)
# log_file:
`

// Config is the resolved agentdesk configuration.
type Config struct {
	DataDir           string
	CloudURL          string
	UserID            string
	Token             string
	IdentityFile      string
	ReconnectDebounce time.Duration
	PullInterval      time.Duration
	ProbeInterval     time.Duration
	DashboardAddr     string
	LogFile           string
	AutoDrain         bool
}

// DBPath returns the path of the local SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agentdesk.db")
}

// DefaultDir returns ~/.agentdesk, or .agentdesk when the home directory
// cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdesk"
	}
	return filepath.Join(home, ".agentdesk")
}

// Load reads config.yaml from configDir and applies environment overrides.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetDefault(KeyDataDir, configDir)
	v.SetDefault(KeyCloudURL, MemoryURL)
	v.SetDefault(KeyReconnectDebounce, 2*time.Second)
	v.SetDefault(KeyPullInterval, 60*time.Second)
	v.SetDefault(KeyProbeInterval, 10*time.Second)
	v.SetDefault(KeyDashboardAddr, "127.0.0.1:8788")
	v.SetDefault(KeyAutoDrain, true)
	for _, key := range []string{KeyUserID, KeyToken, KeyIdentityFile, KeyLogFile} {
		v.SetDefault(key, "")
	}

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		DataDir:           v.GetString(KeyDataDir),
		CloudURL:          v.GetString(KeyCloudURL),
		UserID:            v.GetString(KeyUserID),
		Token:             v.GetString(KeyToken),
		IdentityFile:      v.GetString(KeyIdentityFile),
		ReconnectDebounce: v.GetDuration(KeyReconnectDebounce),
		PullInterval:      v.GetDuration(KeyPullInterval),
		ProbeInterval:     v.GetDuration(KeyProbeInterval),
		DashboardAddr:     v.GetString(KeyDashboardAddr),
		LogFile:           v.GetString(KeyLogFile),
		AutoDrain:         v.GetBool(KeyAutoDrain),
	}
	if cfg.IdentityFile == "" {
		cfg.IdentityFile = filepath.Join(cfg.DataDir, "identity.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%s is required", KeyDataDir)
	}
	if c.ReconnectDebounce < 0 {
		return fmt.Errorf("%s must not be negative", KeyReconnectDebounce)
	}
	if c.PullInterval < 0 {
		return fmt.Errorf("%s must not be negative", KeyPullInterval)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyProbeInterval)
	}
	if (c.UserID == "") != (c.Token == "") {
		return fmt.Errorf("%s and %s must be set together", KeyUserID, KeyToken)
	}

	u, err := url.Parse(c.CloudURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyCloudURL, err)
	}
	switch u.Scheme {
	case "memory":
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("invalid %s %q: missing host", KeyCloudURL, c.CloudURL)
		}
	default:
		return fmt.Errorf("invalid %s %q: scheme must be memory, http or https", KeyCloudURL, c.CloudURL)
	}
	return nil
}

// WriteDefault creates configDir and a commented config.yaml in it, unless
// the file already exists. It returns the path of the file.
func WriteDefault(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return path, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}
