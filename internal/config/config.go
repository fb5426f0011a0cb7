package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "SSODIAG_CONFIG"
	DefaultConfigPath = "/etc/ssodiag/config.yaml"
)

// Config is the process-wide diagnostic configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Dash           DashConfig    `yaml:"dash"`
	Token          TokenConfig   `yaml:"token"`
	TLS            TLSConfig     `yaml:"tls"`
	Logs           LogScanConfig `yaml:"logs"`
	TimeoutSeconds float64       `yaml:"timeout_seconds"`
}

// DashConfig locates the upstream identity/session server.
type DashConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	IntegrationService string `yaml:"integration_service"`
}

// TokenConfig describes how LTPA tokens travel and how acceptance is detected.
type TokenConfig struct {
	CookieName   string   `yaml:"cookie_name"`
	HeaderNames  []string `yaml:"header_names"`
	UsernameKeys []string `yaml:"username_keys"`
}

type TLSConfig struct {
	Verify       bool   `yaml:"verify"`
	CABundlePath string `yaml:"ca_bundle_path"`
}

// LogScanConfig extends the built-in log root allowlist.
type LogScanConfig struct {
	ExtraRoots []string `yaml:"extra_roots"`
}

// Default returns the configuration used when no file or environment override
// is present. The values mirror a conventional DASH deployment.
func Default() Config {
	return Config{
		Dash: DashConfig{
			Host:               "127.0.0.1",
			Port:               443,
			IntegrationService: "ltpa-integration/validate",
		},
		Token: TokenConfig{
			CookieName:   "LtpaToken2",
			HeaderNames:  []string{"X-Lpta-Token"},
			UsernameKeys: []string{"username", "user", "userName", "userid", "principal", "cn", "uid"},
		},
		TLS:            TLSConfig{Verify: true},
		TimeoutSeconds: 5,
	}
}

// Load reads a YAML configuration file and applies environment overrides on
// top. A missing file is not an error; defaults are used instead.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, cfg.validate()
		}
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, cfg.validate()
}

// LoadFromEnv resolves the config path from SSODIAG_CONFIG, falling back to
// the default location.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c Config) validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0, got %v", c.TimeoutSeconds)
	}
	if c.Dash.Port <= 0 || c.Dash.Port > 65535 {
		return fmt.Errorf("dash port out of range: %d", c.Dash.Port)
	}
	return nil
}

// Timeout converts the configured timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// BaseURL is the root URL of the upstream server.
func (c Config) BaseURL() string {
	return fmt.Sprintf("https://%s:%d", c.Dash.Host, c.Dash.Port)
}

// ServletURL is the full URL of the token validation endpoint.
func (c Config) ServletURL() string {
	svc := strings.TrimLeft(c.Dash.IntegrationService, "/")
	return c.BaseURL() + "/" + svc
}

// applyEnv layers the environment variable surface used by the original
// deployment tooling over the file configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DASH_HOST_IP"); v != "" {
		cfg.Dash.Host = v
	}
	if v := os.Getenv("DASH_HOST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Dash.Port = port
		}
	}
	if v := os.Getenv("DASH_INTEGRATION_SERVICE"); v != "" {
		cfg.Dash.IntegrationService = v
	}
	if v := os.Getenv("LTPA_TOKEN_NAME"); v != "" {
		cfg.Token.CookieName = v
	}
	if v := os.Getenv("LTPA_HEADER_NAMES"); v != "" {
		cfg.Token.HeaderNames = splitList(v)
	}
	if v := os.Getenv("USERNAME_KEYS"); v != "" {
		cfg.Token.UsernameKeys = splitList(v)
	}
	if v := os.Getenv("VERIFY_TLS"); v != "" {
		cfg.TLS.Verify = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CA_BUNDLE_PATH"); v != "" {
		cfg.TLS.CABundlePath = v
	}
	if v := os.Getenv("TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TimeoutSeconds = secs
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
