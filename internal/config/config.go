package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted by ServerConfig.Transport.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// Config is the complete kobold-mcp configuration.
type Config struct {
	Kobold      KoboldConfig      `yaml:"kobold"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	Performance PerformanceConfig `yaml:"performance"`
}

// KoboldConfig holds the KoboldCpp backend connection settings.
type KoboldConfig struct {
	URL        string `yaml:"url"`
	MaxRetries int    `yaml:"max_retries"`

	Timeout    time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw    string `yaml:"timeout"`
	RetryDelayRaw string `yaml:"retry_delay"`

	GenerateEndpoint string `yaml:"generate_endpoint"`
	ChatEndpoint     string `yaml:"chat_endpoint"`
	ModelEndpoint    string `yaml:"model_endpoint"`
	StatusEndpoint   string `yaml:"status_endpoint"`
}

// ServerConfig holds the session-server binding settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	Transport      string `yaml:"transport"`

	PingInterval time.Duration `yaml:"-"`
	PingTimeout  time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	PingTimeoutRaw  string `yaml:"ping_timeout"`
}

// Addr returns the host:port binding string.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AuditLog  bool   `yaml:"audit_log"`
	AuditFile string `yaml:"audit_file"`
}

// SecurityConfig holds security ceilings and toggles. EnableAuth and
// AuthToken are read and surfaced but not enforced anywhere yet.
type SecurityConfig struct {
	EnableAuth        bool   `yaml:"enable_auth"`
	AuthToken         string `yaml:"auth_token"`
	DataSanitization  bool   `yaml:"data_sanitization"`
	MaxPromptLength   int    `yaml:"max_prompt_length"`
	MaxResponseLength int    `yaml:"max_response_length"`
}

// PerformanceConfig holds resource ceilings.
type PerformanceConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	RequestQueueSize      int `yaml:"request_queue_size"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Kobold: KoboldConfig{
			URL:              "http://localhost:5001",
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			GenerateEndpoint: "/api/v1/generate",
			ChatEndpoint:     "/api/v1/chat/completions",
			ModelEndpoint:    "/api/v1/model",
			StatusEndpoint:   "/api/extra/generate/check",
		},
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8765,
			MaxConnections: 10,
			Transport:      TransportStdIO,
			PingInterval:   20 * time.Second,
			PingTimeout:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			AuditLog:  false,
			AuditFile: "audit.log",
		},
		Security: SecurityConfig{
			EnableAuth:        false,
			DataSanitization:  true,
			MaxPromptLength:   8192,
			MaxResponseLength: 4096,
		},
		Performance: PerformanceConfig{
			MaxConcurrentRequests: 5,
			RequestQueueSize:      100,
		},
	}
}

// Load reads the configuration file at path, if it exists, and merges it
// over the defaults. Environment variables in the format ${VAR_NAME} are
// expanded before parsing, and the fixed environment override table is
// applied last. A missing file is not an error; defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Run on defaults and environment alone.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration
// values. Empty raw values keep whatever the config already holds.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Kobold.TimeoutRaw, "kobold.timeout", &cfg.Kobold.Timeout},
		{cfg.Kobold.RetryDelayRaw, "kobold.retry_delay", &cfg.Kobold.RetryDelay},
		{cfg.Server.PingIntervalRaw, "server.ping_interval", &cfg.Server.PingInterval},
		{cfg.Server.PingTimeoutRaw, "server.ping_timeout", &cfg.Server.PingTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// applyEnvOverrides applies the fixed environment variable override table.
// These win over both defaults and file values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("KOBOLD_URL"); v != "" {
		cfg.Kobold.URL = v
	}
	if v := os.Getenv("KOBOLD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing KOBOLD_TIMEOUT %q: %w", v, err)
		}
		cfg.Kobold.Timeout = d
	}
	if v := os.Getenv("KOBOLD_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing KOBOLD_MAX_RETRIES %q: %w", v, err)
		}
		cfg.Kobold.MaxRetries = n
	}
	if v := os.Getenv("MCP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MCP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MCP_PORT %q: %w", v, err)
		}
		cfg.Server.Port = n
	}
	if v := os.Getenv("MCP_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MCP_MAX_CONNECTIONS %q: %w", v, err)
		}
		cfg.Server.MaxConnections = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("AUDIT_LOG"); v != "" {
		cfg.Logging.AuditLog = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_FILE"); v != "" {
		cfg.Logging.AuditFile = v
	}
	if v := os.Getenv("ENABLE_AUTH"); v != "" {
		cfg.Security.EnableAuth = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.Security.AuthToken = v
	}
	if v := os.Getenv("MAX_PROMPT_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MAX_PROMPT_LENGTH %q: %w", v, err)
		}
		cfg.Security.MaxPromptLength = n
	}
	if v := os.Getenv("MAX_CONCURRENT_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MAX_CONCURRENT_REQUESTS %q: %w", v, err)
		}
		cfg.Performance.MaxConcurrentRequests = n
	}

	return nil
}

// Validate checks that the configuration is usable. Returns an error
// describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Kobold.URL, "http://") && !strings.HasPrefix(c.Kobold.URL, "https://") {
		return fmt.Errorf("kobold.url must start with http:// or https://, got %q", c.Kobold.URL)
	}
	if c.Kobold.Timeout <= 0 {
		return fmt.Errorf("kobold.timeout must be positive")
	}
	if c.Kobold.MaxRetries < 0 {
		return fmt.Errorf("kobold.max_retries must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Transport != TransportStdIO && c.Server.Transport != TransportSSE {
		return fmt.Errorf("server.transport must be %q or %q, got %q", TransportStdIO, TransportSSE, c.Server.Transport)
	}
	if c.Security.MaxPromptLength <= 0 {
		return fmt.Errorf("security.max_prompt_length must be positive")
	}
	if c.Security.MaxResponseLength <= 0 {
		return fmt.Errorf("security.max_response_length must be positive")
	}
	if c.Performance.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("performance.max_concurrent_requests must be positive")
	}

	return nil
}

// Dump renders the effective configuration as YAML with raw duration
// strings filled in, suitable for `config show` and `config init`.
func (c *Config) Dump() ([]byte, error) {
	out := *c
	out.Kobold.TimeoutRaw = c.Kobold.Timeout.String()
	out.Kobold.RetryDelayRaw = c.Kobold.RetryDelay.String()
	out.Server.PingIntervalRaw = c.Server.PingInterval.String()
	out.Server.PingTimeoutRaw = c.Server.PingTimeout.String()

	return yaml.Marshal(&out)
}
