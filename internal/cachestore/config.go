package cachestore

import "time"

// Config holds the configuration for the freshness store engine.
type Config struct {
	// Capacity defines the maximum number of entries the store holds.
	// Inserting past capacity evicts least-recently-used entries.
	// Must be greater than 0.
	Capacity int

	// Now supplies the current time for expiry decisions and access
	// metadata. A nil value means time.Now. Tests inject a fixed clock
	// here to make TTL behaviour deterministic.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity: 10000,
	}
}

// Validate checks if the configuration values are valid.
// Returns an error if any configuration parameter is invalid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}
