// Package config loads and validates the kobold-mcp settings.
//
// Settings come from three layers, later layers overriding earlier ones:
// built-in defaults, an optional YAML config file, and a fixed set of
// environment variables (KOBOLD_URL, MCP_PORT, LOG_LEVEL, and friends).
// Values in the YAML file may reference environment variables with the
// ${VAR_NAME} syntax.
package config
