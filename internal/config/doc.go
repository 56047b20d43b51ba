// Package config loads YAML configuration for the adjustdb tool, with
// ${ENV} expansion, defaults, and validation.
package config
