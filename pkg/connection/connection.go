package connection

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/config"
	duck "github.com/bruin-data/windowed/pkg/duckdb"
	"github.com/bruin-data/windowed/pkg/postgres"
	"github.com/bruin-data/windowed/pkg/sqlite"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Manager holds one store per connection of the selected environment.
type Manager struct {
	config *config.Config

	mutex  sync.RWMutex
	stores map[string]ansisql.Store
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config: cfg,
		stores: make(map[string]ansisql.Store),
	}
}

// GetStore returns the store of the named connection.
func (m *Manager) GetStore(name string) (ansisql.Store, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	store, ok := m.stores[name]
	if !ok {
		if m.config != nil {
			return nil, m.config.ConnectionNotFoundError(name)
		}
		return nil, &config.MissingConnectionError{Name: name}
	}

	return store, nil
}

// AddStore registers an already opened store under a connection name.
func (m *Manager) AddStore(name string, store ansisql.Store) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stores[name] = store
}

func (m *Manager) AddDuckDBConnectionFromConfig(connection *config.DuckDBConnection) error {
	client, err := duck.NewClient(connection.ToStoreConfig())
	if err != nil {
		return err
	}

	m.AddStore(connection.Name, client)
	return nil
}

func (m *Manager) AddPgConnectionFromConfig(ctx context.Context, connection *config.PostgresConnection) error {
	client, err := postgres.NewClient(ctx, connection.ToStoreConfig())
	if err != nil {
		return errors.Wrapf(err, "failed to create the postgres connection '%s'", connection.Name)
	}

	m.AddStore(connection.Name, client)
	return nil
}

func (m *Manager) AddSqliteConnectionFromConfig(ctx context.Context, connection *config.SqliteConnection) error {
	client, err := sqlite.NewClient(ctx, connection.ToStoreConfig())
	if err != nil {
		return err
	}

	m.AddStore(connection.Name, client)
	return nil
}

// Ping checks every store concurrently and returns the first failure.
func (m *Manager) Ping(ctx context.Context) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	wg, ctx := errgroup.WithContext(ctx)
	for name, store := range m.stores {
		wg.Go(func() error {
			if err := store.Ping(ctx); err != nil {
				return errors.Wrapf(err, "failed to ping connection '%s'", name)
			}
			return nil
		})
	}

	return wg.Wait()
}

func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for name, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close connection '%s'", name))
		}
	}
	m.stores = make(map[string]ansisql.Store)

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// NewManagerFromConfig opens a store for every connection of the selected environment, concurrently.
func NewManagerFromConfig(ctx context.Context, cm *config.Config) (*Manager, error) {
	connectionManager := NewManager(cm)

	connections := cm.SelectedEnvironment.Connections
	if connections == nil {
		return connectionManager, nil
	}

	wg := errgroup.Group{}
	for _, conn := range connections.DuckDB {
		conn.Path = resolveDatabasePath(cm, conn.Path)
		wg.Go(func() error {
			return connectionManager.AddDuckDBConnectionFromConfig(&conn)
		})
	}

	for _, conn := range connections.Postgres {
		wg.Go(func() error {
			return connectionManager.AddPgConnectionFromConfig(ctx, &conn)
		})
	}

	for _, conn := range connections.Sqlite {
		conn.Path = resolveDatabasePath(cm, conn.Path)
		wg.Go(func() error {
			return connectionManager.AddSqliteConnectionFromConfig(ctx, &conn)
		})
	}

	if err := wg.Wait(); err != nil {
		_ = connectionManager.Close()
		return nil, err
	}

	return connectionManager, nil
}

// resolveDatabasePath makes relative database files relative to the configuration file.
func resolveDatabasePath(cm *config.Config, p string) string {
	if p == "" || strings.HasPrefix(p, ":memory:") || filepath.IsAbs(p) || cm.Path() == "" {
		return p
	}

	return filepath.Join(filepath.Dir(cm.Path()), p)
}
