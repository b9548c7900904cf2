package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Backend names accepted by HARNESS_BACKEND.
const (
	BackendMemory  = "memory"
	BackendMongoDB = "mongodb"
	BackendRemote  = "remote"
)

// HarnessConfig controls the test-isolation helpers.
type HarnessConfig struct {
	Backend            string        `env:"HARNESS_BACKEND" envDefault:"memory" json:"backend"`
	RunEnterpriseTests bool          `env:"RUN_ENTERPRISE_TESTS" envDefault:"false" json:"run_enterprise_tests"`
	EmulatorHost       string        `env:"FIRESTORE_EMULATOR_HOST" json:"emulator_host"`
	ProjectID          string        `env:"FIRESTORE_PROJECT_ID" envDefault:"harness-test" json:"project_id"`
	DocumentTTL        time.Duration `env:"HARNESS_DOCUMENT_TTL" envDefault:"24h" json:"document_ttl"`
	RunIDField         string        `env:"HARNESS_RUN_ID_FIELD" envDefault:"testId" json:"run_id_field"`
	ExpireAtField      string        `env:"HARNESS_EXPIRE_AT_FIELD" envDefault:"expireAt" json:"expire_at_field"`
	// MaxPages bounds a pagination walk; 0 means unlimited.
	MaxPages        int  `env:"HARNESS_MAX_PAGES" envDefault:"0" json:"max_pages"`
	RecordSnapshots bool `env:"HARNESS_RECORD_SNAPSHOTS" envDefault:"false" json:"record_snapshots"`
}

// MongoConfig points the MongoDB backend at a deployment.
type MongoConfig struct {
	URI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017" json:"uri"`
	Database string `env:"MONGODB_DATABASE" envDefault:"firestore_harness" json:"database"`
}

// RedisConfig holds the snapshot recorder connection.
type RedisConfig struct {
	Addr            string        `env:"REDIS_ADDR" envDefault:"localhost:6379" json:"addr"`
	Password        string        `env:"REDIS_PASSWORD" json:"-"`
	Database        int           `env:"REDIS_DB" envDefault:"0" json:"db"`
	MaxRetries      int           `env:"REDIS_MAX_RETRIES" envDefault:"3" json:"max_retries"`
	PoolSize        int           `env:"REDIS_POOL_SIZE" envDefault:"10" json:"pool_size"`
	MinIdleConns    int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" json:"min_idle_conns"`
	EnableTLS       bool          `env:"REDIS_TLS" envDefault:"false" json:"tls"`
	ConnMaxIdleTime string        `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"30m" json:"conn_max_idle_time"`
	ConnMaxLifetime string        `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"1h" json:"conn_max_lifetime"`
	StreamMaxLength int64         `env:"REDIS_STREAM_MAX_LEN" envDefault:"1000" json:"stream_max_len"`
	StreamTTL       time.Duration `env:"REDIS_STREAM_TTL" envDefault:"24h" json:"stream_ttl"`
}

// GetAddr returns the host:port of the Redis server.
func (c RedisConfig) GetAddr() string { return c.Addr }

// Host is the server name used for TLS verification.
func (c RedisConfig) Host() string {
	if host, _, err := net.SplitHostPort(c.Addr); err == nil {
		return host
	}
	return c.Addr
}

// ServerConfig configures the fixture server.
type ServerConfig struct {
	Host          string        `env:"SERVER_HOST" envDefault:"0.0.0.0" json:"host"`
	Port          int           `env:"SERVER_PORT" envDefault:"8080" json:"port"`
	JWTSecret     string        `env:"JWT_SECRET" json:"-"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"firestore-harness" json:"jwt_issuer"`
	JWTTTL        time.Duration `env:"JWT_TTL" envDefault:"1h" json:"jwt_ttl"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"0s" json:"sweep_interval"`
	ListenPath    string        `env:"WEBSOCKET_PATH" envDefault:"/v1/listen" json:"listen_path"`
}

// Address is the listen address of the fixture server.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig mirrors the logger environment variables.
type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info" json:"level"`
	Format      string `env:"LOG_FORMAT" envDefault:"json" json:"format"`
	Backend     string `env:"LOG_BACKEND" envDefault:"logrus" json:"backend"`
	Environment string `env:"ENVIRONMENT" envDefault:"development" json:"environment"`
}

// Config is the complete harness configuration.
type Config struct {
	Harness HarnessConfig `json:"harness"`
	Mongo   MongoConfig   `json:"mongo"`
	Redis   RedisConfig   `json:"redis"`
	Server  ServerConfig  `json:"server"`
	Log     LogConfig     `json:"log"`
}

// LoadConfig loads configuration from environment variables and applies defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name   string
		target interface{}
	}{
		{"harness", &cfg.Harness},
		{"mongo", &cfg.Mongo},
		{"redis", &cfg.Redis},
		{"server", &cfg.Server},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.Parse(s.target); err != nil {
			return nil, errors.New("failed to load " + s.name + " configuration from environment: " + err.Error())
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Harness: HarnessConfig{
			Backend:       BackendMemory,
			ProjectID:     "harness-test",
			DocumentTTL:   24 * time.Hour,
			RunIDField:    "testId",
			ExpireAtField: "expireAt",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "firestore_harness",
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			MaxRetries:      3,
			PoolSize:        10,
			MinIdleConns:    2,
			ConnMaxIdleTime: "30m",
			ConnMaxLifetime: "1h",
			StreamMaxLength: 1000,
			StreamTTL:       24 * time.Hour,
		},
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			JWTIssuer:  "firestore-harness",
			JWTTTL:     time.Hour,
			ListenPath: "/v1/listen",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			Backend:     "logrus",
			Environment: "development",
		},
	}
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Harness.Backend) {
	case BackendMemory, BackendMongoDB, BackendRemote:
	default:
		return fmt.Errorf("unknown HARNESS_BACKEND %q (want memory, mongodb or remote)", c.Harness.Backend)
	}
	if c.Harness.DocumentTTL <= 0 {
		return errors.New("HARNESS_DOCUMENT_TTL must be positive")
	}
	if c.Harness.RunIDField == "" || c.Harness.ExpireAtField == "" {
		return errors.New("HARNESS_RUN_ID_FIELD and HARNESS_EXPIRE_AT_FIELD must not be empty")
	}
	if c.Harness.RunIDField == c.Harness.ExpireAtField {
		return errors.New("run id and expire-at fields must differ")
	}
	if c.Harness.MaxPages < 0 {
		return errors.New("HARNESS_MAX_PAGES must not be negative")
	}
	if c.EffectiveBackend() == BackendMongoDB && c.Mongo.URI == "" {
		return errors.New("MONGODB_URI environment variable is not set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port)
	}
	return nil
}

// EffectiveBackend applies the emulator gate: a configured emulator host
// always wins over HARNESS_BACKEND.
func (c *Config) EffectiveBackend() string {
	if c.Harness.EmulatorHost != "" {
		return BackendRemote
	}
	return strings.ToLower(c.Harness.Backend)
}

// UsingEmulator reports whether FIRESTORE_EMULATOR_HOST is set.
func (c *Config) UsingEmulator() bool { return c.Harness.EmulatorHost != "" }

// ShouldRunEnterprise reports whether the pipeline surface is enabled.
func (c *Config) ShouldRunEnterprise() bool { return c.Harness.RunEnterpriseTests }

// RemoteBaseURL is the fixture-server URL used by the remote backend.
func (c *Config) RemoteBaseURL() string {
	host := c.Harness.EmulatorHost
	if host == "" {
		host = fmt.Sprintf("127.0.0.1:%d", c.Server.Port)
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return "http://" + host
}
