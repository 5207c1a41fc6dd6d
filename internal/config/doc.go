// Package config defines the application configuration structure and loads
// it from environment variables (DISPATCH_ prefix) and an optional YAML file,
// validating the result before the process starts.
package config
