// Package config loads the YieldScout runtime configuration from a YAML file,
// layers .env and YIELDSCOUT_* environment overrides on top, and fills in the
// defaults for scoring weights, optimizer thresholds, storage, and queues.
package config
