package config

import (
	duck "github.com/bruin-data/windowed/pkg/duckdb"
	"github.com/bruin-data/windowed/pkg/postgres"
	"github.com/bruin-data/windowed/pkg/sqlite"
)

const (
	ConnectionTypeDuckDB   = "duckdb"
	ConnectionTypePostgres = "postgres"
	ConnectionTypeSqlite   = "sqlite"
)

type Named interface {
	GetName() string
}

type DuckDBConnection struct {
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

func (c DuckDBConnection) GetName() string {
	return c.Name
}

func (c DuckDBConnection) ToStoreConfig() duck.Config {
	return duck.Config{Path: c.Path}
}

type PostgresConnection struct {
	Name         string `yaml:"name" json:"name" mapstructure:"name"`
	Username     string `yaml:"username" json:"username" mapstructure:"username"`
	Password     string `yaml:"password" json:"password" mapstructure:"password"`
	Host         string `yaml:"host" json:"host" mapstructure:"host"`
	Port         int    `yaml:"port" json:"port" mapstructure:"port" jsonschema:"default=5432"`
	Database     string `yaml:"database" json:"database" mapstructure:"database"`
	Schema       string `yaml:"schema,omitempty" json:"schema,omitempty" mapstructure:"schema"`
	PoolMaxConns int    `yaml:"pool_max_conns,omitempty" json:"pool_max_conns,omitempty" mapstructure:"pool_max_conns" jsonschema:"default=10"`
	SslMode      string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" mapstructure:"ssl_mode" jsonschema:"default=disable"`
}

func (c PostgresConnection) GetName() string {
	return c.Name
}

func (c PostgresConnection) ToStoreConfig() postgres.Config {
	port := c.Port
	if port == 0 {
		port = 5432
	}

	return postgres.Config{
		Username:     c.Username,
		Password:     c.Password,
		Host:         c.Host,
		Port:         port,
		Database:     c.Database,
		Schema:       c.Schema,
		PoolMaxConns: c.PoolMaxConns,
		SslMode:      c.SslMode,
	}
}

type SqliteConnection struct {
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

func (c SqliteConnection) GetName() string {
	return c.Name
}

func (c SqliteConnection) ToStoreConfig() sqlite.Config {
	return sqlite.Config{Path: c.Path}
}

type Connections struct {
	DuckDB   []DuckDBConnection   `yaml:"duckdb,omitempty" json:"duckdb,omitempty" mapstructure:"duckdb"`
	Postgres []PostgresConnection `yaml:"postgres,omitempty" json:"postgres,omitempty" mapstructure:"postgres"`
	Sqlite   []SqliteConnection   `yaml:"sqlite,omitempty" json:"sqlite,omitempty" mapstructure:"sqlite"`

	typeNameMap map[string]string
}

func (c *Connections) buildConnectionKeyMap() {
	c.typeNameMap = make(map[string]string)
	for _, conn := range c.DuckDB {
		c.typeNameMap[conn.Name] = ConnectionTypeDuckDB
	}
	for _, conn := range c.Postgres {
		c.typeNameMap[conn.Name] = ConnectionTypePostgres
	}
	for _, conn := range c.Sqlite {
		c.typeNameMap[conn.Name] = ConnectionTypeSqlite
	}
}

// ConnectionType returns the type of the named connection, or an empty string if there is none.
func (c *Connections) ConnectionType(name string) string {
	if c.typeNameMap == nil {
		c.buildConnectionKeyMap()
	}

	return c.typeNameMap[name]
}

// Names lists the connection names grouped by type, in declaration order.
func (c *Connections) Names() []string {
	names := make([]string, 0, len(c.DuckDB)+len(c.Postgres)+len(c.Sqlite))
	names = appendNames(names, c.DuckDB)
	names = appendNames(names, c.Postgres)
	return appendNames(names, c.Sqlite)
}

func appendNames[T Named](names []string, conns []T) []string {
	for _, conn := range conns {
		names = append(names, conn.GetName())
	}

	return names
}
