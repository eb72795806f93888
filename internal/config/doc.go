// Package config handles configuration loading for archive-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARCHIVE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/archive-gateway/gateway.yaml
//  3. ~/.config/archive-gateway/gateway.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Both
// formats use the same keys.
//
// # Environment
//
// Before parsing, a .env file next to the config and one in the working
// directory are loaded if present. Variables already set win. Values can
// then reference the environment:
//
//	auth:
//	  jwt_secret: "${ARCHIVE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stream:
//	  dedupe_ttl: "5m"
//	  ping_interval: "54s"
//	  read_timeout: "60s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:5280"
//	  grpc_addr: "0.0.0.0:50051"
//	  domain: "example.com"
//	database:
//	  driver: "sqlite"
//	  path: "~/.local/share/archive-gateway/archive.db"
//	auth:
//	  jwt_secret: "${ARCHIVE_JWT_SECRET}"
//	  token_ttl: "24h"
//	metrics:
//	  enabled: true
package config
