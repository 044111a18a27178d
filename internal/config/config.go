package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ground station
type Config struct {
	StationID   string          `yaml:"station_id"`
	Transport   TransportConfig `yaml:"transport"`
	Link        LinkConfig      `yaml:"link"`
	Loss        LossConfig      `yaml:"loss"`
	HTTPPort    int             `yaml:"http_port"`
	RedisURL    string          `yaml:"redis_url"`
	NATSURL     string          `yaml:"nats_url"`
	DatabaseURL string          `yaml:"database_url"`
	JWTSecret   string          `yaml:"jwt_secret"`
}

// TransportConfig selects and configures the byte link to the OBC.
type TransportConfig struct {
	// Kind is one of sim, serial, tcp.
	Kind        string        `yaml:"kind"`
	SerialPort  string        `yaml:"serial_port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	BridgeAddr  string        `yaml:"bridge_addr"`
}

// LinkConfig holds exchange engine settings.
type LinkConfig struct {
	Framing          string        `yaml:"framing"`
	Password         string        `yaml:"password"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	InFlightCapacity int           `yaml:"inflight_capacity"`
	AwaitResponse    bool          `yaml:"await_response"`
}

// LossConfig holds simulated drop rates.
type LossConfig struct {
	UplinkDrop   float64 `yaml:"uplink_drop"`
	DownlinkDrop float64 `yaml:"downlink_drop"`
}

const (
	TransportSim    = "sim"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StationID: "gs-01",
		Transport: TransportConfig{
			Kind:        TransportSim,
			SerialPort:  "/dev/ttyUSB0",
			Baud:        9600,
			ReadTimeout: 100 * time.Millisecond,
			BridgeAddr:  "localhost:4000",
		},
		Link: LinkConfig{
			Framing:          "crc32",
			Password:         "P455",
			Timeout:          5 * time.Second,
			MaxAttempts:      3,
			PollInterval:     10 * time.Millisecond,
			InFlightCapacity: 256,
		},
		HTTPPort: 8081,
		RedisURL: "localhost:6379",
		NATSURL:  "nats://localhost:4222",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// STATION_CONFIG if set, and environment variables, in rising precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STATION_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StationID = getEnv("STATION_ID", c.StationID)

	c.Transport.Kind = getEnv("TRANSPORT", c.Transport.Kind)
	c.Transport.SerialPort = getEnv("SERIAL_PORT", c.Transport.SerialPort)
	c.Transport.Baud = getEnvAsInt("SERIAL_BAUD", c.Transport.Baud)
	c.Transport.ReadTimeout = getEnvAsDuration("SERIAL_READ_TIMEOUT", c.Transport.ReadTimeout)
	c.Transport.BridgeAddr = getEnv("BRIDGE_ADDR", c.Transport.BridgeAddr)

	c.Link.Framing = getEnv("FRAMING", c.Link.Framing)
	c.Link.Password = getEnv("OBC_PASSWORD", c.Link.Password)
	c.Link.Timeout = getEnvAsDuration("EXCHANGE_TIMEOUT", c.Link.Timeout)
	c.Link.MaxAttempts = getEnvAsInt("EXCHANGE_ATTEMPTS", c.Link.MaxAttempts)
	c.Link.PollInterval = getEnvAsDuration("POLL_INTERVAL", c.Link.PollInterval)
	c.Link.InFlightCapacity = getEnvAsInt("INFLIGHT_CAPACITY", c.Link.InFlightCapacity)
	c.Link.AwaitResponse = getEnvAsBool("AWAIT_RESPONSE", c.Link.AwaitResponse)

	c.Loss.UplinkDrop = getEnvAsFloat("UPLINK_DROP", c.Loss.UplinkDrop)
	c.Loss.DownlinkDrop = getEnvAsFloat("DOWNLINK_DROP", c.Loss.DownlinkDrop)

	c.HTTPPort = getEnvAsInt("HTTP_PORT", c.HTTPPort)
	c.RedisURL = getEnvAllowEmpty("REDIS_URL", c.RedisURL)
	c.NATSURL = getEnvAllowEmpty("NATS_URL", c.NATSURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSim, TransportSerial, TransportTCP:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport.Kind)
	}
	switch strings.ToLower(c.Link.Framing) {
	case "crc32", "legacy":
	default:
		return fmt.Errorf("config: unknown framing %q", c.Link.Framing)
	}
	if len(c.Link.Password) != 4 {
		return fmt.Errorf("config: link.password must be 4 bytes, got %d", len(c.Link.Password))
	}
	if c.Link.Timeout <= 0 {
		return fmt.Errorf("config: link.timeout must be positive")
	}
	if c.Link.MaxAttempts < 1 {
		return fmt.Errorf("config: link.max_attempts must be at least 1")
	}
	if c.Transport.Kind == TransportSerial && c.Transport.Baud <= 0 {
		return fmt.Errorf("config: transport.baud must be positive")
	}
	for name, rate := range map[string]float64{"loss.uplink_drop": c.Loss.UplinkDrop, "loss.downlink_drop": c.Loss.DownlinkDrop} {
		if math.IsNaN(rate) || rate < 0 || rate > 1 {
			return fmt.Errorf("config: %s must be within [0, 1], got %v", name, rate)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty lets an explicitly empty variable disable a dependency.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
