// Package config handles loading and parsing of gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MaxWorkerNum is the hard cap on the worker pool size.
const MaxWorkerNum = 100

// Config is the top-level configuration for the gateway.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`

	// PidFile is where the daemon records its pid.
	PidFile string `yaml:"pid_file"`
	// LockFile is flocked at startup so only one gateway runs per directory.
	LockFile string `yaml:"lock_file"`
}

// ServerConfig holds the client-facing and admin listener settings.
type ServerConfig struct {
	// ServerIP is the address both listeners bind to.
	ServerIP string `yaml:"server_ip"`
	// ServerPort is the S3-dialect listener port.
	ServerPort int `yaml:"server_port"`
	// AdminPort is the operator listener port (status, metrics, user admin).
	AdminPort int `yaml:"admin_port"`
	// WorkerNum is the worker pool size; each worker owns one backend session.
	// Clamped to MaxWorkerNum.
	WorkerNum int `yaml:"worker_num"`
}

// StoreConfig holds backend store settings.
type StoreConfig struct {
	// Engine selects the backend: "redis", "sqlite", "badger" or "memory".
	Engine string `yaml:"engine"`
	// ZpMetaIPPorts addresses the metadata store instance(s).
	ZpMetaIPPorts []string `yaml:"zp_meta_ip_ports"`
	// ZpTableName namespaces all keys written by this gateway.
	ZpTableName string `yaml:"zp_table_name"`
	// RedisIPPort addresses the lock-registry instance. Defaults to the
	// first metadata address when empty.
	RedisIPPort string `yaml:"redis_ip_port"`
	// RedisPasswd authenticates against both redis instances.
	RedisPasswd string `yaml:"redis_passwd"`
	// LockTTLSeconds bounds how long a dead session can hold its lock.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
	// SQLitePath is the database file for the sqlite engine.
	SQLitePath string `yaml:"sqlite_path"`
	// BadgerDir is the data directory for the badger engine.
	BadgerDir string `yaml:"badger_dir"`
}

// AuthConfig holds authentication settings for the S3 surface.
type AuthConfig struct {
	// Mode is "access-key" (look up the caller, skip signature checks),
	// "signature" (additionally verify AWS SigV4), or "none" (unknown
	// callers act as the anonymous user).
	Mode string `yaml:"mode"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to zgw.example.yaml in the
// same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "zgw.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "zgw.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ServerIP:   "0.0.0.0",
			ServerPort: 8099,
			AdminPort:  8199,
			WorkerNum:  8,
		},
		Store: StoreConfig{
			Engine:         "redis",
			ZpMetaIPPorts:  []string{"127.0.0.1:6379"},
			ZpTableName:    "zgw",
			LockTTLSeconds: 10,
			SQLitePath:     "./data/zgw.db",
			BadgerDir:      "./data/zgw-badger",
		},
		Auth: AuthConfig{
			Mode: "access-key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		PidFile:  "zgw.pid",
		LockFile: "zgw.lock",
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling, and clamps the worker pool size.
func applyDefaults(cfg *Config) {
	if cfg.Server.ServerIP == "" {
		cfg.Server.ServerIP = "0.0.0.0"
	}
	if cfg.Server.ServerPort == 0 {
		cfg.Server.ServerPort = 8099
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 8199
	}
	if cfg.Server.WorkerNum <= 0 {
		cfg.Server.WorkerNum = 8
	}
	if cfg.Server.WorkerNum > MaxWorkerNum {
		cfg.Server.WorkerNum = MaxWorkerNum
	}
	if cfg.Store.Engine == "" {
		cfg.Store.Engine = "redis"
	}
	if len(cfg.Store.ZpMetaIPPorts) == 0 {
		cfg.Store.ZpMetaIPPorts = []string{"127.0.0.1:6379"}
	}
	if cfg.Store.ZpTableName == "" {
		cfg.Store.ZpTableName = "zgw"
	}
	if cfg.Store.RedisIPPort == "" {
		cfg.Store.RedisIPPort = cfg.Store.ZpMetaIPPorts[0]
	}
	if cfg.Store.LockTTLSeconds <= 0 {
		cfg.Store.LockTTLSeconds = 10
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "./data/zgw.db"
	}
	if cfg.Store.BadgerDir == "" {
		cfg.Store.BadgerDir = "./data/zgw-badger"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "access-key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.PidFile == "" {
		cfg.PidFile = "zgw.pid"
	}
	if cfg.LockFile == "" {
		cfg.LockFile = "zgw.lock"
	}
}
