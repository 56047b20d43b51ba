package config

// Config is the root configuration for the adjustdb tool.
type Config struct {
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

// StoreConfig locates the adjustments database file.
type StoreConfig struct {
	// Path is the SQLite file holding the adjustments store.
	Path string `yaml:"path"`

	// Overwrite removes any existing file at Path before a write.
	Overwrite bool `yaml:"overwrite"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}
