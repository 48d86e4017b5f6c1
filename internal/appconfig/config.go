// Package appconfig manages application configuration and runtime file paths.
//
// Settings come from config.yaml under the config directory and are then
// overlaid by the environment variables the proxy layer has always honoured
// (PROXY_DEFAULT, PROXY_DEBUG, PROXY_CHROME, CHROME_PORT, CHROME_PATH,
// PROXY_HOST, PROXY_PORT).
package appconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/util"
)

const appName = "chrome-server"

// Bind policies for reverse-forwarding listeners.
const (
	BindPolicyLoopbackOnly = "loopback-only"
	BindPolicyAllowPublic  = "allow-public"
)

// ChromeConfig controls browser discovery and launch.
type ChromeConfig struct {
	Path  string   `yaml:"path"`
	Flags []string `yaml:"flags"`

	// Port fixes the reverse listener port; 0 picks one.
	Port                int `yaml:"port"`
	ReadyTimeoutSeconds int `yaml:"ready_timeout_seconds"`
	KillGraceSeconds    int `yaml:"kill_grace_seconds"`
}

// ProxyConfig controls the tunnel proxy and proxy subprocesses.
type ProxyConfig struct {
	DefaultUpstream string `yaml:"default_upstream"`
	Debug           bool   `yaml:"debug"`

	// Force routes every browser through a reverse listener even on loopback.
	Force       bool   `yaml:"force"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	HostsFile   string `yaml:"hosts_file"`
}

// SecurityConfig holds exposure and error-reporting policy.
type SecurityConfig struct {
	BindPolicy   string `yaml:"bind_policy"`
	RedactErrors bool   `yaml:"redact_errors"`
}

// LogConfig selects the slog handler and optional rotating file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	Chrome   ChromeConfig   `yaml:"chrome"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
	UI       UIConfig       `yaml:"ui"`
}

// Env is the environment overlay. Unset variables leave the file value.
type Env struct {
	ProxyDefault *string `envconfig:"PROXY_DEFAULT"`
	ProxyDebug   *bool   `envconfig:"PROXY_DEBUG"`
	ProxyChrome  *bool   `envconfig:"PROXY_CHROME"`
	ChromePort   *int    `envconfig:"CHROME_PORT"`
	ChromePath   *string `envconfig:"CHROME_PATH"`
	ProxyHost    *string `envconfig:"PROXY_HOST"`
	ProxyPort    *int    `envconfig:"PROXY_PORT"`
	LogLevel     *string `envconfig:"CHROME_SERVER_LOG_LEVEL"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Chrome: ChromeConfig{
			ReadyTimeoutSeconds: int(util.BrowserReadyTimeout.Seconds()),
			KillGraceSeconds:    int(util.KillGrace.Seconds()),
		},
		Proxy: ProxyConfig{
			Host: util.LoopbackHost,
		},
		Security: SecurityConfig{
			BindPolicy:   BindPolicyLoopbackOnly,
			RedactErrors: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/chrome-server.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// RuntimeFilePath returns the full path to instances.json, the snapshot of
// live browser instances.
func RuntimeFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "instances.json"), nil
}

// Load reads config.yaml from the config directory and applies the
// environment overlay. If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	cfg, err := loadFile()
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	return cfg, nil
}

func loadFile() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.ProxyDefault != nil {
		cfg.Proxy.DefaultUpstream = *env.ProxyDefault
	}
	if env.ProxyDebug != nil {
		cfg.Proxy.Debug = *env.ProxyDebug
	}
	if env.ProxyChrome != nil {
		cfg.Proxy.Force = *env.ProxyChrome
	}
	if env.ChromePort != nil {
		cfg.Chrome.Port = *env.ChromePort
	}
	if env.ChromePath != nil {
		cfg.Chrome.Path = *env.ChromePath
	}
	if env.ProxyHost != nil {
		cfg.Proxy.Host = *env.ProxyHost
	}
	if env.ProxyPort != nil {
		cfg.Proxy.Port = *env.ProxyPort
	}
	if env.LogLevel != nil {
		cfg.Log.Level = *env.LogLevel
	}
	return nil
}

func normalize(cfg *Config) {
	def := Default()
	switch cfg.Security.BindPolicy {
	case BindPolicyLoopbackOnly, BindPolicyAllowPublic:
	default:
		cfg.Security.BindPolicy = def.Security.BindPolicy
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if cfg.Chrome.ReadyTimeoutSeconds <= 0 {
		cfg.Chrome.ReadyTimeoutSeconds = def.Chrome.ReadyTimeoutSeconds
	}
	if cfg.Chrome.KillGraceSeconds <= 0 {
		cfg.Chrome.KillGraceSeconds = def.Chrome.KillGraceSeconds
	}
	if cfg.Chrome.Port < 0 || cfg.Chrome.Port > 65535 {
		cfg.Chrome.Port = 0
	}
	if cfg.Proxy.Port < 0 || cfg.Proxy.Port > 65535 {
		cfg.Proxy.Port = 0
	}
	cfg.Proxy.Host = util.NormalizeAddr(cfg.Proxy.Host, util.LoopbackHost)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// DefaultUpstream parses proxy.default_upstream. An empty value yields nil.
func (c Config) DefaultUpstream() (*model.Address, error) {
	if strings.TrimSpace(c.Proxy.DefaultUpstream) == "" {
		return nil, nil
	}
	a, err := util.ParseAddress(c.Proxy.DefaultUpstream)
	if err != nil {
		return nil, fmt.Errorf("proxy.default_upstream: %w", err)
	}
	return &a, nil
}

// ProxyListenAddr returns host:port for a proxy listener.
func (c Config) ProxyListenAddr() string {
	return net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port))
}
