// Package config loads gateway settings from config.yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"iiot-gateway/internal/anomaly"
	"iiot-gateway/internal/auth"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Bus      BusConfig      `mapstructure:"bus"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Poller   PollerConfig   `mapstructure:"poller"`
	OEE      OEEConfig      `mapstructure:"oee"`
	Anomaly  anomaly.Limits `mapstructure:"anomaly"`
	Auth     auth.Config    `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	DataPort        int           `mapstructure:"data_port"`
	APIPort         int           `mapstructure:"api_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type BusConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	ClientName    string        `mapstructure:"client_name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// DatabaseConfig selects the store: PostgreSQL when URL is set, otherwise
// process memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timescale       bool          `mapstructure:"timescale"`
	ReadingCapacity int           `mapstructure:"reading_capacity"` // memory store only
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PollerConfig struct {
	Enabled     bool             `mapstructure:"enabled"`
	Interval    time.Duration    `mapstructure:"interval"`
	ReadTimeout time.Duration    `mapstructure:"read_timeout"`
	Defaults    EndpointDefaults `mapstructure:"defaults"`
}

type EndpointDefaults struct {
	Port         int    `mapstructure:"port"`
	BaudRate     int    `mapstructure:"baud_rate"`
	DataBits     int    `mapstructure:"data_bits"`
	StopBits     int    `mapstructure:"stop_bits"`
	Parity       string `mapstructure:"parity"`
	UnitID       int    `mapstructure:"unit_id"`
	StartAddress int    `mapstructure:"start_address"`
	Quantity     int    `mapstructure:"quantity"`
}

type OEEConfig struct {
	AutoDowntime  bool          `mapstructure:"auto_downtime"`
	RefreshWindow time.Duration `mapstructure:"refresh_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Load reads config.yaml from dir (a missing file is fine) and applies
// environment overrides such as BUS_URL or DATABASE_URL.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.api_port", 8081)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("bus.enabled", true)
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.subject", "factory.machines.*")
	v.SetDefault("bus.client_name", "iiot-gateway")
	v.SetDefault("bus.reconnect_wait", 2*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("database.timescale", false)
	v.SetDefault("database.reading_capacity", 10000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", 2*time.Second)
	v.SetDefault("poller.read_timeout", 5*time.Second)
	v.SetDefault("poller.defaults.port", 502)
	v.SetDefault("poller.defaults.baud_rate", 9600)
	v.SetDefault("poller.defaults.data_bits", 8)
	v.SetDefault("poller.defaults.stop_bits", 1)
	v.SetDefault("poller.defaults.parity", "none")
	v.SetDefault("poller.defaults.unit_id", 1)
	v.SetDefault("poller.defaults.start_address", 0)
	v.SetDefault("poller.defaults.quantity", 10)

	v.SetDefault("oee.auto_downtime", true)
	v.SetDefault("oee.refresh_window", 24*time.Hour)

	v.SetDefault("anomaly.temperature_high", anomaly.TemperatureHigh)
	v.SetDefault("anomaly.temperature_low", anomaly.TemperatureLow)
	v.SetDefault("anomaly.pressure_high", anomaly.PressureHigh)
	v.SetDefault("anomaly.pressure_low", anomaly.PressureLow)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) validate() error {
	if c.Server.DataPort <= 0 || c.Server.APIPort <= 0 {
		return fmt.Errorf("config: server ports must be positive")
	}
	if c.Server.DataPort == c.Server.APIPort {
		return fmt.Errorf("config: data_port and api_port must differ (both %d)", c.Server.APIPort)
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required unless auth.disabled is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
