package duck

import "strings"

type Config struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

// ToDBConnectionURI returns the data source name used by the duckdb driver.
func (c Config) ToDBConnectionURI() string {
	return c.Path
}

// IsInMemory reports whether the database lives only as long as the process.
func (c Config) IsInMemory() bool {
	return c.Path == "" || strings.HasPrefix(c.Path, ":memory:")
}
