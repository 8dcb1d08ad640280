// Package config handles configuration loading for recall-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Without a file, defaults plus a handful of environment
// variables are used, so the gateway runs with zero setup.
//
// # Configuration File
//
// Location (in order):
//
//  1. Path from the --config flag
//  2. Path from RECALL_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/recall/gateway.yaml (or ~/.config/recall/gateway.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment
//
// A .env file in the working directory is loaded first and never overrides
// variables already set. Values can then reference variables:
//
//	auth:
//	  jwt_secret: "${JWT_SECRET}"
//
// When no config file exists these variables apply directly:
//
//	PORT            http listen port (default 3000)
//	JWT_SECRET      enables JWT auth
//	GEMINI_API_KEY  selects the gemini provider
//	MODEL_NAME      generation model
//	MEMORY_DIR      file backend root
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	replication:
//	  debounce: "5s"
//	events:
//	  keepalive_interval: "15s"
//
// # Validation
//
// Load, FromEnv, and Resolve all call Validate, which reports the first
// invalid field by its dotted name.
package config
