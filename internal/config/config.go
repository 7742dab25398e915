// Package config provides hierarchical configuration loading for ControlTower.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the ControlTower service.
type Config struct {
	Server   Server   `yaml:"server"`
	Agents   Agents   `yaml:"agents"`
	Payload  Payload  `yaml:"payload"`
	Workflow Workflow `yaml:"workflow"`
	NATS     NATS     `yaml:"nats"`
	Cache    Cache    `yaml:"cache"`
	Logging  Logging  `yaml:"logging"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port          string `yaml:"port"`
	CORSOrigin    string `yaml:"cors_origin"`
	TestImagesDir string `yaml:"test_images_dir"`
}

// Agents holds the endpoints and call bounds for the remote A2A agents.
type Agents struct {
	VisionURL        string        `yaml:"vision_url"`
	SupplierURL      string        `yaml:"supplier_url"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// Payload holds image preparation configuration.
type Payload struct {
	MaxBytes int `yaml:"max_bytes"` // transmit budget for prepared images
}

// Workflow holds orchestrator tuning.
type Workflow struct {
	QueryMaxLen      int           `yaml:"query_max_len"`     // prefix of vision text used as search query
	ProgressInterval time.Duration `yaml:"progress_interval"` // synthetic vision_progress cadence
	PhasePause       time.Duration `yaml:"phase_pause"`       // cosmetic pause between phases
	RunTimeout       time.Duration `yaml:"run_timeout"`       // overall deadline for one run
}

// NATS holds the optional secondary event sink configuration.
// An empty URL disables the sink.
type NATS struct {
	URL string `yaml:"url"`
}

// Cache holds the in-process payload cache configuration.
type Cache struct {
	L1MaxSizeMB int64 `yaml:"l1_max_size_mb"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:          "8080",
			CORSOrigin:    "http://localhost:3000",
			TestImagesDir: "test-images",
		},
		Agents: Agents{
			VisionURL:        "http://localhost:8081",
			SupplierURL:      "http://localhost:8082",
			DiscoveryTimeout: 10 * time.Second,
			CallTimeout:      2 * time.Minute,
		},
		Payload: Payload{
			MaxBytes: 500 << 10, // 500 KiB, the A2A payload budget
		},
		Workflow: Workflow{
			QueryMaxLen:      200,
			ProgressInterval: 8 * time.Second,
			PhasePause:       500 * time.Millisecond,
			RunTimeout:       5 * time.Minute,
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
		},
		Logging: Logging{
			Level:   "info",
			Service: "controltower",
		},
	}
}
