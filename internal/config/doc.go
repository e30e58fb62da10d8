// Package config handles configuration loading for event-aggregator.
//
// Configuration is loaded from YAML files with environment variable
// expansion in the form ${VAR_NAME}. Duration fields are written as Go
// duration strings ("30s", "2h") and parsed on load. Missing fields
// fall back to the defaults from Default().
package config
