package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/wmrd/internal/logger"
	"github.com/shaunagostinho/wmrd/internal/logging"
	"github.com/shaunagostinho/wmrd/internal/publish"
	"github.com/shaunagostinho/wmrd/internal/transport"
	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Console connection
	Device transport.Config `yaml:"device" json:"device"`

	// Session behaviour
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`

	// Process log
	Logging logging.Config `yaml:"logging" json:"logging"`

	// CSV reading recorder
	Recorder logger.Config `yaml:"recorder" json:"recorder"`

	// NATS publisher
	NATS publish.Config `yaml:"nats" json:"nats"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ProtocolConfig struct {
	HeartbeatSec       int    `yaml:"heartbeat_sec" json:"heartbeatSec"`
	MaxExternalSensors int    `yaml:"max_external_sensors" json:"maxExternalSensors"`
	Timezone           string `yaml:"timezone" json:"timezone"` // console clock zone, e.g. "Europe/Prague"; empty = local
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: transport.Config{
			Type:        "hidraw",
			BaudRate:    9600,
			ReadTimeout: 250,
			VendorID:    wmr.VendorID,
			ProductID:   wmr.ProductID,
		},
		Protocol: ProtocolConfig{
			HeartbeatSec:       int(wmr.DefaultHeartbeatInterval / time.Second),
			MaxExternalSensors: wmr.DefaultMaxExternalSensors,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
			File: logging.FileConfig{
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		Recorder: logger.Config{
			Enabled: false,
			Path:    "/var/log/wmrd",
		},
		NATS: publish.Config{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "wmr",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	log = log.Named("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("cannot parse config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: WMR_DEVICE_TYPE, WMR_DEVICE_PATH, WMR_BAUD, WMR_HEARTBEAT_SEC,
// WMR_MAX_EXT_SENSORS, WMR_TIMEZONE, LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT,
// LOG_FILE, RECORDER_ENABLED, RECORDER_PATH, NATS_URL, NATS_ENABLED,
// NATS_SUBJECT_PREFIX
func (c *Config) applyEnvOverrides() {
	envString("WMR_DEVICE_TYPE", &c.Device.Type)
	envString("WMR_DEVICE_PATH", &c.Device.Path)
	envInt("WMR_BAUD", &c.Device.BaudRate)
	envInt("WMR_HEARTBEAT_SEC", &c.Protocol.HeartbeatSec)
	envInt("WMR_MAX_EXT_SENSORS", &c.Protocol.MaxExternalSensors)
	envString("WMR_TIMEZONE", &c.Protocol.Timezone)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_FILE", &c.Logging.File.Filename)

	if v := os.Getenv("RECORDER_ENABLED"); v != "" {
		c.Recorder.Enabled = envBool(v)
	}
	envString("RECORDER_PATH", &c.Recorder.Path)

	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = envBool(v)
	}
	envString("NATS_URL", &c.NATS.URL)
	envString("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
}

// SessionOptions translates the protocol section into session options.
func (c *Config) SessionOptions() (wmr.Options, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := wmr.Options{
		HeartbeatInterval:  time.Duration(c.Protocol.HeartbeatSec) * time.Second,
		MaxExternalSensors: c.Protocol.MaxExternalSensors,
	}
	if c.Protocol.Timezone != "" {
		loc, err := time.LoadLocation(c.Protocol.Timezone)
		if err != nil {
			return opts, fmt.Errorf("protocol timezone: %w", err)
		}
		opts.Location = loc
	}
	return opts, nil
}

// DeviceConfig returns a copy of the device section.
func (c *Config) DeviceConfig() transport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}

// RecorderEnabled reports whether the CSV recorder should be running.
func (c *Config) RecorderEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder.Enabled
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/wmrd/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. device paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
