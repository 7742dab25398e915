package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "controltower.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONTROLTOWER_PORT")
	setString(&cfg.Server.CORSOrigin, "CONTROLTOWER_CORS_ORIGIN")
	setString(&cfg.Server.TestImagesDir, "CONTROLTOWER_TEST_IMAGES_DIR")
	setString(&cfg.Agents.VisionURL, "VISION_AGENT_URL")
	setString(&cfg.Agents.SupplierURL, "SUPPLIER_AGENT_URL")
	setDuration(&cfg.Agents.DiscoveryTimeout, "CONTROLTOWER_DISCOVERY_TIMEOUT")
	setDuration(&cfg.Agents.CallTimeout, "CONTROLTOWER_CALL_TIMEOUT")
	setInt(&cfg.Payload.MaxBytes, "CONTROLTOWER_PAYLOAD_MAX_BYTES")
	setInt(&cfg.Workflow.QueryMaxLen, "CONTROLTOWER_QUERY_MAX_LEN")
	setDuration(&cfg.Workflow.ProgressInterval, "CONTROLTOWER_PROGRESS_INTERVAL")
	setDuration(&cfg.Workflow.PhasePause, "CONTROLTOWER_PHASE_PAUSE")
	setDuration(&cfg.Workflow.RunTimeout, "CONTROLTOWER_RUN_TIMEOUT")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONTROLTOWER_CACHE_L1_SIZE_MB")
	setString(&cfg.Logging.Level, "CONTROLTOWER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONTROLTOWER_LOG_SERVICE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Agents.VisionURL == "" {
		return errors.New("agents.vision_url is required")
	}
	if cfg.Agents.SupplierURL == "" {
		return errors.New("agents.supplier_url is required")
	}
	if cfg.Payload.MaxBytes < 1 {
		return errors.New("payload.max_bytes must be >= 1")
	}
	if cfg.Agents.CallTimeout <= 0 {
		return errors.New("agents.call_timeout must be positive")
	}
	if cfg.Workflow.ProgressInterval <= 0 {
		return errors.New("workflow.progress_interval must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
