// Package config loads orchestrator settings.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// SECUREVOD_* environment variables (a .env file may seed the environment).
// Command-line flags are applied last by the caller, which must then call
// Validate.
package config
