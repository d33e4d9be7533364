// Package config loads the pipewatch configuration from config.yaml.
//
// Load applies defaults, unmarshals YAML on top and validates the result.
// Secrets are never stored in the file: API keys and webhook URLs are
// referenced by environment variable name (*_env fields).
//
// Watch reloads the file on change so the insight thresholds and webhooks
// can be tuned without a restart.
package config
