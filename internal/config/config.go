package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for vaultgate
type Config struct {
	// Server configuration
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or text

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Optional YAML file replacing the built-in settings metadata
	MetaFile string `mapstructure:"meta_file"`

	// CORS origins allowed to call the API; empty allows none
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Autosave AutosaveConfig `mapstructure:"autosave"`
	Client   ClientConfig   `mapstructure:"client"`
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	// HS256 secret. When empty, writes are accepted anonymously.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// AuditConfig defines the setting change trail
type AuditConfig struct {
	Enable    bool          `mapstructure:"enable"`
	Retention time.Duration `mapstructure:"retention"`
}

// AutosaveConfig tunes the client-side autosave engine
type AutosaveConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	SavedHold      time.Duration `mapstructure:"saved_hold"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClientConfig points the CLI at a running server
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
}

// Load loads configuration from defaults, config file, environment and flags
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if flag := cmd.Flags().Lookup("config"); flag != nil && flag.Value.String() != "" {
		v.SetConfigFile(flag.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("VAULTGATE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Nested keys map to env vars with underscores, e.g. VAULTGATE_AUTH_JWT_SECRET
var envKeyReplacer = strings.NewReplacer(".", "_")

// Every key has a default, even an empty one, so AutomaticEnv can see it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("enable_tls", false)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("meta_file", "")
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "vaultgate")

	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.retention", "2160h") // 90 days

	v.SetDefault("autosave.debounce", "800ms")
	v.SetDefault("autosave.saved_hold", "2s")
	v.SetDefault("autosave.request_timeout", "30s")

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
}

var flagKeys = map[string]string{
	"listen":     "listen",
	"data-dir":   "data_dir",
	"log-level":  "log_level",
	"log-format": "log_format",
	"tls-cert":   "cert_file",
	"tls-key":    "key_file",
	"meta-file":  "meta_file",
	"jwt-secret": "auth.jwt_secret",
	"server":     "client.server_url",
	"token":      "client.token",
	"debounce":   "autosave.debounce",
}

// bindFlags binds whichever of the known flags the command defines
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}

	if cfg.EnableTLS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
	}

	if cfg.Autosave.Debounce <= 0 {
		return fmt.Errorf("autosave.debounce must be positive")
	}
	if cfg.Autosave.SavedHold <= 0 {
		return fmt.Errorf("autosave.saved_hold must be positive")
	}
	if cfg.Autosave.RequestTimeout <= 0 {
		return fmt.Errorf("autosave.request_timeout must be positive")
	}

	if cfg.Client.ServerURL != "" {
		u, err := url.Parse(cfg.Client.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("client.server_url must be an absolute URL, got %q", cfg.Client.ServerURL)
		}
	}

	if cfg.MetaFile != "" {
		if _, err := os.Stat(cfg.MetaFile); err != nil {
			return fmt.Errorf("meta_file: %w", err)
		}
	}

	return nil
}

// PrepareDataDir checks that data_dir is set and creates it.
// Only the server needs a data directory.
func (c *Config) PrepareDataDir() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or VAULTGATE_DATA_DIR environment variable")
	}

	if !filepath.IsAbs(c.DataDir) {
		if abs, err := filepath.Abs(c.DataDir); err == nil {
			c.DataDir = abs
		}
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// DatabasePath returns the SQLite file inside the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "vaultgate.db")
}
