// Package config loads service settings from defaults, an optional YAML file
// and RETRIEVAL_-prefixed environment variables, then validates them before
// any component is wired.
package config
