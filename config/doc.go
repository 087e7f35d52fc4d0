// Package config provides configuration management for the coordination
// service: defaults, YAML file loading, environment overrides, and
// cross-field validation.
package config
