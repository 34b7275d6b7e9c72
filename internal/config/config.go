package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"medchat/internal/logger"
	"medchat/pkg/database"
)

// EnvPrefix namespaces every environment variable, e.g. MEDCHAT_HTTP_PORT.
const EnvPrefix = "MEDCHAT"

// DevelopmentSecret is the default signing key. Deployments must override it.
const DevelopmentSecret = "medchat-development-secret"

type Config struct {
	Database  *DatabaseConfig  `json:"database" envconfig:"DATABASE"`
	HTTP      *HTTPConfig      `json:"http" envconfig:"HTTP"`
	WebSocket *WebSocketConfig `json:"websocket" envconfig:"WEBSOCKET"`
	Auth      *AuthConfig      `json:"auth" envconfig:"AUTH"`
	Uploads   *UploadsConfig   `json:"uploads" envconfig:"UPLOADS"`
	Relay     *RelayConfig     `json:"relay" envconfig:"RELAY"`
	Chat      *ChatConfig      `json:"chat" envconfig:"CHAT"`
	Log       *LogConfig       `json:"log" envconfig:"LOG"`
}

type DatabaseConfig struct {
	Driver         string        `json:"driver" split_words:"true"`
	Path           string        `json:"path" split_words:"true"`
	DSN            string        `json:"dsn" split_words:"true"`
	Timeout        time.Duration `json:"timeout" split_words:"true"`
	MaxConnections int           `json:"max_connections" split_words:"true"`
}

type HTTPConfig struct {
	Port           int           `json:"port" split_words:"true"`
	Host           string        `json:"host" split_words:"true"`
	ReadTimeout    time.Duration `json:"read_timeout" split_words:"true"`
	WriteTimeout   time.Duration `json:"write_timeout" split_words:"true"`
	AllowedOrigins []string      `json:"allowed_origins" split_words:"true"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval" split_words:"true"`
	ReadTimeout    time.Duration `json:"read_timeout" split_words:"true"`
	WriteTimeout   time.Duration `json:"write_timeout" split_words:"true"`
	BufferSize     int           `json:"buffer_size" split_words:"true"`
	MaxMessageSize int64         `json:"max_message_size" split_words:"true"`
}

type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" split_words:"true"`
	Issuer    string        `json:"issuer" split_words:"true"`
	TokenTTL  time.Duration `json:"token_ttl" split_words:"true"`
}

type UploadsConfig struct {
	Dir         string `json:"dir" split_words:"true"`
	MaxFileSize int64  `json:"max_file_size" split_words:"true"`
	URLPrefix   string `json:"url_prefix" split_words:"true"`
}

// RelayConfig enables cross-instance fan-out when URL is set.
type RelayConfig struct {
	URL     string `json:"url" split_words:"true"`
	Subject string `json:"subject" split_words:"true"`
}

func (r *RelayConfig) Enabled() bool { return r.URL != "" }

type ChatConfig struct {
	MaxContentLength int           `json:"max_content_length" split_words:"true"`
	RateLimit        int           `json:"rate_limit" split_words:"true"`
	RateWindow       time.Duration `json:"rate_window" split_words:"true"`
}

type LogConfig struct {
	Level  string `json:"level" split_words:"true"`
	Format string `json:"format" split_words:"true"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:         database.DriverSQLite,
			Path:           "./data/medchat.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Auth: &AuthConfig{
			JWTSecret: DevelopmentSecret,
			Issuer:    "medchat",
			TokenTTL:  24 * time.Hour,
		},
		Uploads: &UploadsConfig{
			Dir:         "./uploads/chat",
			MaxFileSize: 10 * 1024 * 1024,
			URLPrefix:   "/chat/files",
		},
		Relay: &RelayConfig{
			Subject: "medchat.messages",
		},
		Chat: &ChatConfig{
			MaxContentLength: 4000,
			RateLimit:        100,
			RateWindow:       time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: logger.FormatConsole,
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.DatabaseConfig().Validate(); err != nil {
		return err
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return errors.New("auth JWT secret cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token TTL must be positive")
	}

	if c.Uploads == nil || c.Uploads.Dir == "" {
		return errors.New("uploads directory cannot be empty")
	}
	if c.Uploads.MaxFileSize <= 0 {
		return errors.New("uploads max file size must be positive")
	}

	if c.Relay == nil {
		return errors.New("relay configuration is required")
	}
	if c.Relay.Enabled() && c.Relay.Subject == "" {
		return errors.New("relay subject cannot be empty when relay URL is set")
	}

	if c.Chat == nil {
		return errors.New("chat configuration is required")
	}
	if c.Chat.MaxContentLength <= 0 {
		return errors.New("chat max content length must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return errors.New("chat rate limit and window must be positive")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	switch c.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}

	return nil
}

// DatabaseConfig converts the section into the pool configuration.
func (c *Config) DatabaseConfig() *database.Config {
	dbc := database.DefaultConfig()
	dbc.Driver = c.Database.Driver
	dbc.DatabasePath = c.Database.Path
	dbc.DSN = c.Database.DSN
	dbc.WriteTimeout = c.Database.Timeout
	if c.Database.MaxConnections > 0 {
		dbc.MaxConnections = c.Database.MaxConnections
	}
	return dbc
}

// LoadFromEnv overlays MEDCHAT_* variables on the defaults. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return config, nil
}

// ConfigFile is the JSON layout; durations are strings such as "30s".
type ConfigFile struct {
	Database *struct {
		Driver         string `json:"driver"`
		Path           string `json:"path"`
		DSN            string `json:"dsn"`
		Timeout        string `json:"timeout"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`
	HTTP *struct {
		Port           int      `json:"port"`
		Host           string   `json:"host"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string `json:"ping_interval"`
		ReadTimeout    string `json:"read_timeout"`
		WriteTimeout   string `json:"write_timeout"`
		BufferSize     int    `json:"buffer_size"`
		MaxMessageSize int64  `json:"max_message_size"`
	} `json:"websocket"`
	Auth *struct {
		JWTSecret string `json:"jwt_secret"`
		Issuer    string `json:"issuer"`
		TokenTTL  string `json:"token_ttl"`
	} `json:"auth"`
	Uploads *UploadsConfig `json:"uploads"`
	Relay   *RelayConfig   `json:"relay"`
	Chat    *struct {
		MaxContentLength int    `json:"max_content_length"`
		RateLimit        int    `json:"rate_limit"`
		RateWindow       string `json:"rate_window"`
	} `json:"chat"`
	Log *LogConfig `json:"log"`
}

// LoadFromFile reads a JSON file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(value string, dst *string) {
		if value != "" {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(f.Driver, &config.Database.Driver)
		str(f.Path, &config.Database.Path)
		str(f.DSN, &config.Database.DSN)
		duration("database.timeout", f.Timeout, &config.Database.Timeout)
		if f.MaxConnections > 0 {
			config.Database.MaxConnections = f.MaxConnections
		}
	}
	if f := file.HTTP; f != nil {
		if f.Port > 0 {
			config.HTTP.Port = f.Port
		}
		str(f.Host, &config.HTTP.Host)
		duration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		if len(f.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.WebSocket; f != nil {
		duration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
		if f.BufferSize > 0 {
			config.WebSocket.BufferSize = f.BufferSize
		}
		if f.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
	}
	if f := file.Auth; f != nil {
		str(f.JWTSecret, &config.Auth.JWTSecret)
		str(f.Issuer, &config.Auth.Issuer)
		duration("auth.token_ttl", f.TokenTTL, &config.Auth.TokenTTL)
	}
	if f := file.Uploads; f != nil {
		str(f.Dir, &config.Uploads.Dir)
		str(f.URLPrefix, &config.Uploads.URLPrefix)
		if f.MaxFileSize > 0 {
			config.Uploads.MaxFileSize = f.MaxFileSize
		}
	}
	if f := file.Relay; f != nil {
		str(f.URL, &config.Relay.URL)
		str(f.Subject, &config.Relay.Subject)
	}
	if f := file.Chat; f != nil {
		if f.MaxContentLength > 0 {
			config.Chat.MaxContentLength = f.MaxContentLength
		}
		if f.RateLimit > 0 {
			config.Chat.RateLimit = f.RateLimit
		}
		duration("chat.rate_window", f.RateWindow, &config.Chat.RateWindow)
	}
	if f := file.Log; f != nil {
		str(f.Level, &config.Log.Level)
		str(f.Format, &config.Log.Format)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid durations in %s: %w", path, err)
	}
	return nil
}
