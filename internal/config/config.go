package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comflowy/comfyd/internal/readiness"
)

const (
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultProbeURL     = "http://127.0.0.1:8188"
	DefaultLogLines     = 2000
)

// Config holds persistent daemon configuration loaded from ~/.comfyd/config.yaml.
type Config struct {
	Backend     Backend   `yaml:"backend"`
	Readiness   Readiness `yaml:"readiness"`
	Probe       Probe     `yaml:"probe"`
	StopTimeout Duration  `yaml:"stop_timeout,omitempty"`
	LogLines    int       `yaml:"log_lines,omitempty"`
	LogLevel    string    `yaml:"log_level,omitempty"`
	LogFormat   string    `yaml:"log_format,omitempty"` // "text" | "json"
	APIAddr     string    `yaml:"api_addr,omitempty"`
	AutoStart   bool      `yaml:"auto_start,omitempty"`
}

// Backend describes how the backend is installed and launched.
type Backend struct {
	InstallDir string `yaml:"install_dir"`
	Shell      string `yaml:"shell,omitempty"`
	CondaEnv   string `yaml:"conda_env,omitempty"`
	// Activate overrides the environment activation step, e.g. ["source", "venv/bin/activate"].
	Activate     []string          `yaml:"activate,omitempty"`
	Python       string            `yaml:"python,omitempty"`
	Pip          string            `yaml:"pip,omitempty"`
	Requirements string            `yaml:"requirements,omitempty"`
	EntryPoint   string            `yaml:"entry_point,omitempty"`
	Args         []string          `yaml:"args,omitempty"`
	Path         string            `yaml:"path,omitempty"` // explicit PATH for the child
	Proxy        *Proxy            `yaml:"proxy,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Cols         int               `yaml:"cols,omitempty"`
	Rows         int               `yaml:"rows,omitempty"`
}

// Proxy overrides the proxy settings passed to the backend.
type Proxy struct {
	HTTP    string `yaml:"http,omitempty"`
	HTTPS   string `yaml:"https,omitempty"`
	NoProxy string `yaml:"no_proxy,omitempty"`
}

type Readiness struct {
	Marker  string   `yaml:"marker,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

type Probe struct {
	URL     string   `yaml:"url,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	// Interval enables the liveness watchdog while the backend is running.
	// Zero disables it.
	Interval           Duration `yaml:"interval,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Home returns the comfyd home directory: ~/.comfyd.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "comfyd")
	}
	return filepath.Join(home, ".comfyd")
}

// DefaultPath returns the default config file path: ~/.comfyd/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Default returns a configuration for a ComfyUI checkout in ~/comflowy/ComfyUI
// running inside the "comflowy" conda environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns the default Config and no error. An empty or all-comment file
// also returns the default Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.Backend
	if b.InstallDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			b.InstallDir = filepath.Join(home, "comflowy", "ComfyUI")
		}
	}
	b.InstallDir = expandHome(b.InstallDir)
	if b.Shell == "" {
		b.Shell = os.Getenv("SHELL")
		if b.Shell == "" {
			b.Shell = "/bin/bash"
		}
	}
	if b.CondaEnv == "" && len(b.Activate) == 0 {
		b.CondaEnv = "comflowy"
	}
	if b.Python == "" {
		b.Python = "python3"
	}
	if b.Pip == "" {
		b.Pip = "pip3"
	}
	if b.Requirements == "" {
		b.Requirements = "requirements.txt"
	}
	if b.EntryPoint == "" {
		b.EntryPoint = "main.py"
	}
	if b.Args == nil {
		b.Args = []string{"--enable-cors-header"}
	}
	if b.Cols <= 0 {
		b.Cols = 80
	}
	if b.Rows <= 0 {
		b.Rows = 30
	}

	if c.Readiness.Marker == "" {
		c.Readiness.Marker = readiness.DefaultMarker
	}
	if c.Readiness.Timeout.Duration == 0 {
		c.Readiness.Timeout.Duration = DefaultStartTimeout
	}
	if c.Probe.URL == "" {
		c.Probe.URL = DefaultProbeURL
	}
	if c.Probe.Timeout.Duration == 0 {
		c.Probe.Timeout.Duration = DefaultProbeTimeout
	}
	if c.Probe.UnhealthyThreshold <= 0 {
		c.Probe.UnhealthyThreshold = 3
	}
	if c.StopTimeout.Duration == 0 {
		c.StopTimeout.Duration = DefaultStopTimeout
	}
	if c.LogLines <= 0 {
		c.LogLines = DefaultLogLines
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks that a config is well-formed.
func (c *Config) Validate() error {
	if c.Backend.InstallDir == "" {
		return fmt.Errorf("backend.install_dir is required")
	}
	if !filepath.IsAbs(c.Backend.InstallDir) {
		return fmt.Errorf("backend.install_dir %q must be an absolute path", c.Backend.InstallDir)
	}
	if c.Backend.EntryPoint == "" {
		return fmt.Errorf("backend.entry_point is required")
	}
	if c.Readiness.Timeout.Duration <= 0 {
		return fmt.Errorf("readiness.timeout must be positive")
	}
	if c.Probe.Timeout.Duration <= 0 {
		return fmt.Errorf("probe.timeout must be positive")
	}
	if c.Probe.Interval.Duration < 0 {
		return fmt.Errorf("probe.interval must not be negative")
	}
	if c.StopTimeout.Duration <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}

	u, err := url.Parse(c.Probe.URL)
	if err != nil {
		return fmt.Errorf("probe.url %q is invalid: %w", c.Probe.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("probe.url must be http or https, got %q", c.Probe.URL)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		// ok
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
		// ok
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
