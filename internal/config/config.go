package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deskrelay/internal/backbone"
	"deskrelay/internal/logging"
)

// EnvPrefix namespaces every environment override
const EnvPrefix = "DESKRELAY_"

// DefaultEnvFile is loaded when present and no other file is named
const DefaultEnvFile = ".env"

// Config is the process-wide settings tree
// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator.
// Components receive their own section and never read the environment themselves
type Config struct {
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Backbone  *BackboneConfig  `yaml:"backbone"`
	Database  *DatabaseConfig  `yaml:"database"`
	Limits    *LimitsConfig    `yaml:"limits"`
	Log       *LogConfig       `yaml:"log"`
	API       *APIConfig       `yaml:"api"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig covers client sockets on both endpoints
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// BackboneConfig points at the Redis pub/sub bus shared by gateway processes.
// With Enabled false the gateway only delivers to its own connections.
type BackboneConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	ChannelPrefix  string        `yaml:"channel_prefix"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"` // 0 disables reconnect attempts
}

type DatabaseConfig struct {
	Path     string        `yaml:"path"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"` // credential cache lifetime; 0 reads the store on every handshake
}

// LimitsConfig bounds inbound client frames per connection
type LimitsConfig struct {
	FrameRate  float64 `yaml:"frame_rate"` // frames per second; 0 disables limiting
	FrameBurst int     `yaml:"frame_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig guards the producer ingress API. Without a key the API refuses
// requests unless Insecure is set.
type APIConfig struct {
	ProducerKey string `yaml:"producer_key"`
	Insecure    bool   `yaml:"insecure"`
}

// DefaultConfig returns production defaults
// FUNCTIONAL DISCOVERY: 30s heartbeat with a 90s read deadline tolerates two
// missed heartbeats before a silent client is dropped
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			HeartbeatInterval: 30 * time.Second,
			ReadTimeout:       90 * time.Second,
			WriteTimeout:      5 * time.Second,
			BufferSize:        100,
		},
		Backbone: &BackboneConfig{
			Enabled:        true,
			Addr:           "localhost:6379",
			ChannelPrefix:  backbone.DefaultPrefix,
			DialTimeout:    5 * time.Second,
			PublishTimeout: 2 * time.Second,
			RetryInterval:  10 * time.Second,
		},
		Database: &DatabaseConfig{
			Path:     "./data/deskrelay.db",
			Timeout:  30 * time.Second,
			CacheTTL: 5 * time.Second,
		},
		Limits: &LimitsConfig{
			FrameRate:  20,
			FrameBurst: 40,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		API: &APIConfig{},
	}
}

// Addr returns host:port for the HTTP server
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Validate rejects configurations the gateway cannot run with
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Backbone == nil ||
		c.Database == nil || c.Limits == nil || c.Log == nil || c.API == nil {
		return ErrMissingSection
	}

	if c.HTTP.Host == "" {
		return invalid("http.host cannot be empty")
	}
	// Port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("http.port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return invalid("http timeouts must be positive")
	}

	if c.WebSocket.HeartbeatInterval <= 0 {
		return invalid("websocket.heartbeat_interval must be positive")
	}
	if c.WebSocket.ReadTimeout < 0 {
		return invalid("websocket.read_timeout cannot be negative")
	}
	if c.WebSocket.ReadTimeout > 0 && c.WebSocket.ReadTimeout <= c.WebSocket.HeartbeatInterval {
		return invalid("websocket.read_timeout must exceed websocket.heartbeat_interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return invalid("websocket.write_timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return invalid("websocket.buffer_size must be positive")
	}

	if c.Backbone.Enabled {
		if c.Backbone.Addr == "" {
			return invalid("backbone.addr cannot be empty when the backbone is enabled")
		}
		if c.Backbone.DB < 0 {
			return invalid("backbone.db cannot be negative")
		}
		if c.Backbone.DialTimeout <= 0 || c.Backbone.PublishTimeout <= 0 {
			return invalid("backbone timeouts must be positive")
		}
		if c.Backbone.RetryInterval < 0 {
			return invalid("backbone.retry_interval cannot be negative")
		}
	}
	if strings.ContainsAny(c.Backbone.ChannelPrefix, "*?[] \t") {
		return invalid("backbone.channel_prefix cannot contain glob characters or whitespace")
	}

	if c.Database.Path == "" {
		return invalid("database.path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return invalid("database.timeout must be positive")
	}
	if c.Database.CacheTTL < 0 {
		return invalid("database.cache_ttl cannot be negative")
	}

	if c.Limits.FrameRate < 0 {
		return invalid("limits.frame_rate cannot be negative")
	}
	if c.Limits.FrameRate > 0 && c.Limits.FrameBurst <= 0 {
		return invalid("limits.frame_burst must be positive when limiting is enabled")
	}

	if c.API.Insecure && c.API.ProducerKey != "" {
		return invalid("api.insecure cannot be combined with api.producer_key")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid(err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		return invalid(fmt.Sprintf("log.format must be %q or %q", logging.FormatJSON, logging.FormatConsole))
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, msg)
}

// LoadOptions names the optional inputs of Load
type LoadOptions struct {
	ConfigPath string // YAML file; empty means none
	EnvFile    string // dotenv file; empty means DefaultEnvFile if it exists
}

// Load builds the effective configuration.
// Precedence: defaults < environment (including the dotenv file) < YAML file.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if opts.ConfigPath != "" {
		if err := applyFile(cfg, opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		path = DefaultEnvFile
	}
	// Variables already set in the process win over the file
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyFile decodes path onto cfg; keys absent from the file keep their values
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays DESKRELAY_* variables onto cfg. Unparseable values are errors.
func ApplyEnv(cfg *Config) error {
	e := envReader{}

	e.setString("HTTP_HOST", &cfg.HTTP.Host)
	e.setInt("HTTP_PORT", &cfg.HTTP.Port)
	e.setDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.setDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.setDuration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	e.setDuration("WEBSOCKET_HEARTBEAT_INTERVAL", &cfg.WebSocket.HeartbeatInterval)
	e.setDuration("WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	e.setDuration("WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	e.setInt("WEBSOCKET_BUFFER_SIZE", &cfg.WebSocket.BufferSize)
	e.setList("WEBSOCKET_ALLOWED_ORIGINS", &cfg.WebSocket.AllowedOrigins)

	e.setBool("BACKBONE_ENABLED", &cfg.Backbone.Enabled)
	e.setString("BACKBONE_ADDR", &cfg.Backbone.Addr)
	e.setString("BACKBONE_PASSWORD", &cfg.Backbone.Password)
	e.setInt("BACKBONE_DB", &cfg.Backbone.DB)
	e.setString("BACKBONE_CHANNEL_PREFIX", &cfg.Backbone.ChannelPrefix)
	e.setDuration("BACKBONE_DIAL_TIMEOUT", &cfg.Backbone.DialTimeout)
	e.setDuration("BACKBONE_PUBLISH_TIMEOUT", &cfg.Backbone.PublishTimeout)
	e.setDuration("BACKBONE_RETRY_INTERVAL", &cfg.Backbone.RetryInterval)

	e.setString("DATABASE_PATH", &cfg.Database.Path)
	e.setDuration("DATABASE_TIMEOUT", &cfg.Database.Timeout)
	e.setDuration("DATABASE_CACHE_TTL", &cfg.Database.CacheTTL)

	e.setFloat("LIMITS_FRAME_RATE", &cfg.Limits.FrameRate)
	e.setInt("LIMITS_FRAME_BURST", &cfg.Limits.FrameBurst)

	e.setString("LOG_LEVEL", &cfg.Log.Level)
	e.setString("LOG_FORMAT", &cfg.Log.Format)

	e.setString("API_PRODUCER_KEY", &cfg.API.ProducerKey)
	e.setBool("API_INSECURE", &cfg.API.Insecure)

	return e.err
}

// envReader records the first parse failure and skips the rest
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, value string, err error) {
	e.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidValue, EnvPrefix, key, value, err)
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}
