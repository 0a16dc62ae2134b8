// Package config provides configuration loading and validation for the
// beamforming aggregator. It handles YAML-based configuration with per-section
// validation and applies defaults for optional tuning parameters.
package config
