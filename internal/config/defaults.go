package config

// Default values for optional configuration fields.
const (
	DefaultStorePath = "adjustments.db"
	DefaultLogLevel  = "info"
)

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
