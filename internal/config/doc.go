// Package config handles configuration loading for the sovereign agent.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are parsed as TOML. Missing values are
// filled with defaults before validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SOVEREIGN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	authorization:
//	  clock_skew: "5m"
//	  nonce_retention: "10m"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8480"
//	  grpc_addr: "127.0.0.1:8481"
//	database:
//	  path: "/var/lib/sovereign/sovereign.db"
//	identity:
//	  bond_ttl: "720h"
//	  bundle_path: "/var/lib/sovereign/identity.json"
//	authorization:
//	  nonce_store: "sqlite"
//	  tier_limits:
//	    consumer: 100
//	  contextual:
//	    enabled: true
//	    max_cost: 50
//	    action_types: ["order_coffee"]
//	webauthn:
//	  rp_id: "agent.example.com"
//	  rp_origins: ["https://agent.example.com"]
//	deployment:
//	  environment: "home-server"
//	  capabilities: ["sqlite", "mlock"]
//	  required_capabilities: ["sqlite"]
package config
