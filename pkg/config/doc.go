// Package config loads and validates the foundry daemon configuration.
// Configuration comes from a YAML file with environment-independent
// defaults applied first; the loaded struct is passed explicitly to
// constructors.
package config
