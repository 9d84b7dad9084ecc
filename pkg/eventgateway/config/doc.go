/*
Package config loads gateway settings.

Config wraps a nested map[string]any, as produced by yaml.v3, encoding/json
or viper's AllSettings, and extracts typed values with defaults. Keys are
dotted paths:

	cfg, err := config.FromFile("gateway.yaml")
	if err != nil {
	    return err
	}
	capacity := cfg.Int("hub.capacity", 1024)
	stomp := cfg.Sub("stomp")
	host := stomp.String("host", "localhost")

Values that cannot be converted fall back to the default, so a typo in a
file never panics; Settings.Validate reports the values that matter.

# Settings

Settings is the typed view of every key the gateway reads:

	s, err := config.FromConfig(cfg)   // DefaultSettings overlaid with cfg
	if err != nil {
	    return err                     // Validate failed
	}

Durations accept "30s" style strings or seconds. String lists accept YAML
lists or comma-separated strings, so the same key works from a file and
from an environment variable.
*/
package config
