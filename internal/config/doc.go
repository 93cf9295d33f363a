// Package config loads reactor configuration with viper: built-in defaults,
// an optional JSON/YAML/TOML file and an environment overlay where each key
// is upper-cased with '.' replaced by '_' (queue.name -> QUEUE_NAME).
//
// Example:
//
//	cfg, err := config.Load("/etc/reactor.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err // wraps config.ErrInvalid
//	}
package config
