// Package config loads meloncity configuration from a JSON or YAML file and
// overlays MELONCITY_* environment variables on top of Default().
//
// Example:
//
//	cfg, err := config.Load("/etc/meloncity.yaml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { ... }
package config
