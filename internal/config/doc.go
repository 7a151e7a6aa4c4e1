// Package config provides the runtime configuration for reliefd: the JSON
// process configuration with defaults resolved relative to the file, and the
// YAML decision policy (thresholds, multipliers, impact curves, allocation
// tables, account routing) that is hot reloaded on change.
package config
