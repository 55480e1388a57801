package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
)

var ErrUpstreamNotReady = errors.New("upstream asset has not been materialized successfully")

// MaterializationError is a storage failure while writing an asset.
type MaterializationError struct {
	Asset string
	Err   error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("failed to materialize asset '%s': %s", e.Asset, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// InTransactionHook runs after the statements of the asset, within the same transaction. Returning an error
// rolls the materialization back.
type InTransactionHook func(ctx context.Context, tx ansisql.Executor, result *scheduler.MaterializationResult) error

// Locks serializes the writers of the same target table.
type Locks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]chan struct{})}
}

// Lock waits until the key is free or ctx is done, and returns the function that releases the key.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		l.locks[key] = lock
	}
	l.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "gave up waiting for the lock of '%s'", key)
	}
}

// LockKey identifies the target table of the asset: the connection name when the store has one, the store
// itself otherwise.
func LockKey(store ansisql.Store, asset *pipeline.Asset) string {
	if named, ok := store.(interface{ ConnectionName() string }); ok {
		return named.ConnectionName() + "/" + asset.Name
	}

	return fmt.Sprintf("%s@%p/%s", store.Dialect().Name(), store, asset.Name)
}

type Materializer struct {
	logger      logger.Logger
	locks       *Locks
	fullRefresh bool
}

func NewMaterializer(logger logger.Logger, locks *Locks, fullRefresh bool) *Materializer {
	if locks == nil {
		locks = NewLocks()
	}

	return &Materializer{logger: logger, locks: locks, fullRefresh: fullRefresh}
}

// Materialize writes the rows of the asset for the window into its table on the store.
func (m *Materializer) Materialize(ctx context.Context, store ansisql.Store, asset *pipeline.Asset, w window.Window, upstream []*scheduler.MaterializationResult, r query.Renderer) (*scheduler.MaterializationResult, error) {
	return m.MaterializeWithHook(ctx, store, asset, w, upstream, r, nil)
}

func (m *Materializer) MaterializeWithHook(ctx context.Context, store ansisql.Store, asset *pipeline.Asset, w window.Window, upstream []*scheduler.MaterializationResult, r query.Renderer, hook InTransactionHook) (*scheduler.MaterializationResult, error) {
	if err := ensureUpstreamReady(asset, upstream); err != nil {
		return nil, err
	}

	result := &scheduler.MaterializationResult{
		Asset:      asset.Name,
		Window:     w,
		Strategy:   asset.Materialization.Strategy,
		Statements: make([]string, 0),
	}
	if m.fullRefresh && asset.Materialization.Type == pipeline.MaterializationTypeTable {
		result.Strategy = pipeline.MaterializationStrategyCreateReplace
	}

	if asset.IsWindowed() && w.IsEmpty() && !m.fullRefresh {
		m.logger.Debugf("window %s of asset '%s' is empty, nothing to materialize", w, asset.Name)
		result.Skipped = true
		return result, nil
	}

	statements, err := m.Statements(store.Dialect(), asset, w, r)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, LockKey(store, asset))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var hookErr error
	start := time.Now()
	err = store.RunInTransaction(ctx, func(ctx context.Context, tx ansisql.Executor) error {
		for _, s := range statements {
			m.logger.Debugw("executing statement", "asset", asset.Name, "kind", s.Kind, "query", s.Query.String())

			affected, err := tx.Exec(ctx, s.Query)
			if err != nil {
				return &MaterializationError{Asset: asset.Name, Err: err}
			}

			result.Statements = append(result.Statements, s.Query.String())
			switch s.Kind {
			case ansisql.StatementDelete:
				result.RowsDeleted += affected
			case ansisql.StatementInsert:
				result.RowsInserted += affected
			case ansisql.StatementSetup, ansisql.StatementSwap:
			}
		}

		if hook != nil {
			hookErr = hook(ctx, tx, result)
			return hookErr
		}

		return nil
	})
	result.Duration = time.Since(start)

	if err != nil {
		var matErr *MaterializationError
		if errors.As(err, &matErr) || (hookErr != nil && errors.Is(err, hookErr)) {
			return result, err
		}

		return result, &MaterializationError{Asset: asset.Name, Err: err}
	}

	return result, nil
}

// Statements renders the asset query for the window and returns what would be executed for it.
func (m *Materializer) Statements(d ansisql.Dialect, asset *pipeline.Asset, w window.Window, r query.Renderer) ([]ansisql.Statement, error) {
	if asset.Materialization.Type == pipeline.MaterializationTypeNone {
		queries, err := query.RenderStatements(asset.ExecutableFile.Content, r)
		if err != nil {
			return nil, err
		}

		statements := make([]ansisql.Statement, len(queries))
		for i, q := range queries {
			statements[i] = ansisql.Statement{Kind: ansisql.StatementSetup, Query: q}
		}

		return statements, nil
	}

	q, err := query.RenderSelect(asset.ExecutableFile.Content, r)
	if err != nil {
		return nil, err
	}

	statements, err := ansisql.BuildStatements(d, asset, q.Query, w, m.fullRefresh)
	if err != nil {
		return nil, &pipeline.InvalidDefinitionError{Asset: asset.Name, Reason: "cannot materialize asset", Err: err}
	}

	if len(q.VariableDefinitions) > 0 {
		for i := range statements {
			statements[i].Query.VariableDefinitions = q.VariableDefinitions
		}
	}

	return statements, nil
}

func ensureUpstreamReady(asset *pipeline.Asset, upstream []*scheduler.MaterializationResult) error {
	ready := make(map[string]bool, len(upstream))
	for _, u := range upstream {
		if u != nil {
			ready[u.Asset] = true
		}
	}

	for _, name := range asset.UpstreamNames() {
		if !ready[name] {
			return errors.Wrapf(ErrUpstreamNotReady, "asset '%s' depends on '%s'", asset.Name, name)
		}
	}

	return nil
}
