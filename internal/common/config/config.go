package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration, loaded from YAML.
// Defaults are applied first, then a single validation pass over the
// whole struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Tracking TrackingConfig `yaml:"tracking"`
	Map      MapConfig      `yaml:"map"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the reference tracking server and the client's
// dial target.
type ServerConfig struct {
	Port    int    `yaml:"port" validate:"gt=0,lte=65535"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// DatabaseConfig configures the optional Postgres archive of location
// history. When Enabled is false the server keeps no history.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	User     string `yaml:"user" validate:"required_if=Enabled true"`
	Password string `yaml:"password" validate:"required_if=Enabled true"`
	Name     string `yaml:"database" validate:"required_if=Enabled true"`
}

// DSN renders a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// RabbitMQConfig configures the optional fanout publication of location
// updates.
type RabbitMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	User     string `yaml:"user" validate:"required_if=Enabled true"`
	Password string `yaml:"password" validate:"required_if=Enabled true"`
	Exchange string `yaml:"exchange"`
}

// URL renders the AMQP URL.
func (r RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Password, r.Host, r.Port)
}

// TrackingConfig holds the sampling and channel policies.
type TrackingConfig struct {
	// SampleIntervalMs is the cadence of position polling. Polling (rather
	// than continuous watching) is a deliberate bandwidth/battery trade-off.
	SampleIntervalMs int `yaml:"sample_interval_ms" validate:"gt=0"`
	// SampleTimeoutMs bounds a single position request so a hung sensor
	// cannot stall the interval.
	SampleTimeoutMs int `yaml:"sample_timeout_ms" validate:"gt=0"`
	// MinMoveDegrees is the significant-change threshold in decimal degrees.
	// 0.0001 approximates ~10 m; the approximation is latitude-dependent and
	// kept for behavioral parity with the original policy.
	MinMoveDegrees float64 `yaml:"min_move_degrees" validate:"gte=0"`
	// RequestTimeoutMs bounds each channel request/ack round trip.
	RequestTimeoutMs int `yaml:"request_timeout_ms" validate:"gt=0"`
	// ReconnectMaxAttempts bounds automatic reconnection; after that the
	// channel reports a fatal connection error.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts" validate:"gte=0"`
	// ReconnectInitialBackoffMs / ReconnectMaxBackoffMs shape the backoff
	// between attempts.
	ReconnectInitialBackoffMs int `yaml:"reconnect_initial_backoff_ms" validate:"gt=0"`
	ReconnectMaxBackoffMs     int `yaml:"reconnect_max_backoff_ms" validate:"gt=0"`
}

func (t TrackingConfig) SampleInterval() time.Duration {
	return time.Duration(t.SampleIntervalMs) * time.Millisecond
}

func (t TrackingConfig) SampleTimeout() time.Duration {
	return time.Duration(t.SampleTimeoutMs) * time.Millisecond
}

func (t TrackingConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMs) * time.Millisecond
}

func (t TrackingConfig) ReconnectInitialBackoff() time.Duration {
	return time.Duration(t.ReconnectInitialBackoffMs) * time.Millisecond
}

func (t TrackingConfig) ReconnectMaxBackoff() time.Duration {
	return time.Duration(t.ReconnectMaxBackoffMs) * time.Millisecond
}

// MapConfig holds map-rendering settings.
type MapConfig struct {
	FallbackLat float64 `yaml:"fallback_lat" validate:"gte=-90,lte=90"`
	FallbackLng float64 `yaml:"fallback_lng" validate:"gte=-180,lte=180"`
	Zoom        int     `yaml:"zoom" validate:"gt=0,lte=22"`
	TileURL     string  `yaml:"tile_url" validate:"omitempty,url"`

	TrackerIcon     string `yaml:"tracker_icon"`
	OriginIcon      string `yaml:"origin_icon"`
	CustodyIcon     string `yaml:"custody_icon"`
	DestinationIcon string `yaml:"destination_icon"`
}

// AuthConfig configures the JWT secret (server side) and the token file the
// client reads its bearer credential from.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
	TokenFile string `yaml:"token_file"`
}

// LoadFromFile loads config from a YAML file, applies defaults, and
// validates required fields.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a raw YAML config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "tracking_location_fanout"
	}

	if cfg.Tracking.SampleIntervalMs == 0 {
		cfg.Tracking.SampleIntervalMs = 5000
	}
	if cfg.Tracking.SampleTimeoutMs == 0 {
		cfg.Tracking.SampleTimeoutMs = 5000
	}
	if cfg.Tracking.MinMoveDegrees == 0 {
		cfg.Tracking.MinMoveDegrees = 0.0001
	}
	if cfg.Tracking.RequestTimeoutMs == 0 {
		cfg.Tracking.RequestTimeoutMs = 10000
	}
	if cfg.Tracking.ReconnectMaxAttempts == 0 {
		cfg.Tracking.ReconnectMaxAttempts = 5
	}
	if cfg.Tracking.ReconnectInitialBackoffMs == 0 {
		cfg.Tracking.ReconnectInitialBackoffMs = 1000
	}
	if cfg.Tracking.ReconnectMaxBackoffMs == 0 {
		cfg.Tracking.ReconnectMaxBackoffMs = 5000
	}

	if cfg.Map.FallbackLat == 0 && cfg.Map.FallbackLng == 0 {
		// Guayaquil, the deployment region's hub.
		cfg.Map.FallbackLat = -2.1894
		cfg.Map.FallbackLng = -79.8891
	}
	if cfg.Map.Zoom == 0 {
		cfg.Map.Zoom = 13
	}
	if cfg.Map.TileURL == "" {
		cfg.Map.TileURL = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	}
	if cfg.Map.TrackerIcon == "" {
		cfg.Map.TrackerIcon = "assets/icons/truck.png"
	}
	if cfg.Map.OriginIcon == "" {
		cfg.Map.OriginIcon = "assets/icons/origin.png"
	}
	if cfg.Map.CustodyIcon == "" {
		cfg.Map.CustodyIcon = "assets/icons/custody.png"
	}
	if cfg.Map.DestinationIcon == "" {
		cfg.Map.DestinationIcon = "assets/icons/destination.png"
	}
}
