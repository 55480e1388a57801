package sqlite

import (
	"context"
	"strings"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

type Config struct {
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

func (c Config) ToDBConnectionURI() string {
	if c.Path == "" {
		return ":memory:"
	}

	return c.Path
}

// Dialect keeps dotted asset names as a single table: SQLite uses `schema.table` for attached databases.
type Dialect struct {
	ansisql.StandardDialect
}

func (Dialect) Name() string {
	return "sqlite"
}

func (Dialect) QuoteTable(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) CreateSchemaStatement(string) string {
	return ""
}

func (d Dialect) RenameTableStatement(from, to string) string {
	return "ALTER TABLE " + d.QuoteTable(from) + " RENAME TO " + d.QuoteTable(to)
}

type Client struct {
	*ansisql.DB
}

func NewClient(ctx context.Context, c Config) (*Client, error) {
	conn, err := sqlx.Open("sqlite", c.ToDBConnectionURI())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database '%s'", c.ToDBConnectionURI())
	}

	// a single connection serializes writers and keeps in-memory databases consistent
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "failed to connect to sqlite database '%s'", c.ToDBConnectionURI())
	}

	return &Client{DB: ansisql.NewDB(conn, Dialect{}, nil)}, nil
}
