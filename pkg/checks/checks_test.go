package checks

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/jinja"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*ansisql.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	mock.MatchExpectationsInOrder(false)

	return ansisql.NewDB(sqlx.NewDb(mockDB, "sqlmock"), ansisql.StandardDialect{}, nil), mock
}

func ptr[T any](v T) *T {
	return &v
}

func tripsAsset() *pipeline.Asset {
	return &pipeline.Asset{
		Name: "staging.trips",
		Materialization: pipeline.Materialization{
			Type:            pipeline.MaterializationTypeTable,
			Strategy:        pipeline.MaterializationStrategyTimeInterval,
			IncrementalKey:  "pickup_datetime",
			TimeGranularity: window.GranularityTimestamp,
		},
		Columns: []pipeline.Column{
			{
				Name:       "trip_id",
				PrimaryKey: true,
				Checks: []pipeline.ColumnCheck{
					{Name: "not_null"},
				},
			},
			{
				Name: "fare_amount",
				Checks: []pipeline.ColumnCheck{
					{Name: "non_negative", Blocking: pipeline.DefaultTrueBool{Value: ptr(false)}},
				},
			},
		},
		CustomChecks: []pipeline.CustomCheck{
			{
				Name:  "row_count_greater_than_zero",
				Query: "SELECT count(*) > 0 FROM staging.trips",
				Value: 1,
			},
			{
				Name:  "dropoff_after_pickup",
				Query: "SELECT count(*) FROM staging.trips WHERE dropoff_datetime < pickup_datetime AND pickup_datetime >= '{{ start_datetime }}' AND pickup_datetime < '{{ end_datetime }}'",
				Value: 0,
			},
		},
	}
}

func tripsWindow() window.Window {
	return window.Window{
		Start:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
		Granularity: window.GranularityTimestamp,
	}
}

const inWindow = "pickup_datetime >= '2024-01-15T00:00:00' AND pickup_datetime < '2024-01-16T00:00:00'"

func TestDefinitions(t *testing.T) {
	t.Parallel()

	defs := Definitions(tripsAsset())
	require.Len(t, defs, 5)

	got := make([][]any, len(defs))
	for i, d := range defs {
		got[i] = []any{d.Name, d.Column, d.Kind, d.Blocking}
	}

	assert.Equal(t, [][]any{
		{"not_null", "trip_id", scheduler.CheckKindColumn, true},
		{"non_negative", "fare_amount", scheduler.CheckKindColumn, false},
		{PrimaryKeyCheckName, "trip_id", scheduler.CheckKindColumn, true},
		{"row_count_greater_than_zero", "", scheduler.CheckKindCustom, true},
		{"dropoff_after_pickup", "", scheduler.CheckKindCustom, true},
	}, got)
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count(*) FROM staging.trips WHERE (trip_id IS NULL) AND " + inWindow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT count(*) FROM staging.trips WHERE (fare_amount < 0) AND " + inWindow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT count(*) FROM (SELECT trip_id FROM staging.trips WHERE " + inWindow + " GROUP BY trip_id HAVING count(*) > 1) AS duplicates").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT count(*) > 0 FROM staging.trips").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(false))
	mock.ExpectQuery("SELECT count(*) FROM staging.trips WHERE dropoff_datetime < pickup_datetime AND pickup_datetime >= '2024-01-15T00:00:00' AND pickup_datetime < '2024-01-16T00:00:00'").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	w := tripsWindow()
	r := jinja.NewRenderer(jinja.WindowContext(w, "nyc_taxi", "run-1", "staging.trips", nil))

	results := NewEvaluator(zap.NewNop().Sugar(), 4).Evaluate(context.Background(), store, store.Dialect(), tripsAsset(), w, r)
	require.Len(t, results, 5)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, scheduler.CheckResult{Name: "not_null", Column: "trip_id", Kind: scheduler.CheckKindColumn, Passed: true, Blocking: true}, results[0])

	assert.False(t, results[1].Passed)
	assert.False(t, results[1].Blocking)
	assert.Equal(t, int64(2), results[1].Observed)
	assert.Equal(t, "column 'fare_amount' has 2 negative values", results[1].Message)

	assert.True(t, results[2].Passed)

	assert.Equal(t, scheduler.CheckResult{
		Name:     "row_count_greater_than_zero",
		Kind:     scheduler.CheckKindCustom,
		Observed: 0,
		Expected: 1,
		Blocking: true,
		Message:  "custom check 'row_count_greater_than_zero' has returned 0 instead of the expected 1",
	}, results[3])

	assert.False(t, results[4].Passed)
	assert.Equal(t, int64(3), results[4].Observed)
	assert.Equal(t, int64(0), results[4].Expected)

	err := BlockingFailure("staging.trips", results)
	var checkErr *CheckFailureError
	require.ErrorAs(t, err, &checkErr)
	assert.Len(t, checkErr.Failed, 2)
	assert.Equal(t, "2 blocking checks of asset 'staging.trips' failed: row_count_greater_than_zero, dropoff_after_pickup", err.Error())
}

func TestEvaluator_QueryErrorsFailTheCheck(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count(*) > 0 FROM staging.trips").WillReturnError(errors.New("no such table: staging.trips"))

	asset := tripsAsset()
	asset.Columns = nil
	asset.CustomChecks = asset.CustomChecks[:1]

	w := tripsWindow()
	r := jinja.NewRenderer(jinja.WindowContext(w, "nyc_taxi", "run-1", "staging.trips", nil))

	results := NewEvaluator(zap.NewNop().Sugar(), 1).Evaluate(context.Background(), store, store.Dialect(), asset, w, r)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Error, "no such table: staging.trips")
	require.NoError(t, mock.ExpectationsWereMet())

	err := BlockingFailure("staging.trips", results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocking check 'row_count_greater_than_zero' of asset 'staging.trips' failed: failed 'row_count_greater_than_zero' check")
}

func TestEvaluator_BrokenDefinitionsFailTheCheck(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	asset := &pipeline.Asset{
		Name: "reports.trips_report",
		Columns: []pipeline.Column{
			{Name: "trips", Checks: []pipeline.ColumnCheck{{Name: "pattern", Value: pipeline.ColumnCheckValue{String: ptr("^[0-9]+$")}}}},
		},
		CustomChecks: []pipeline.CustomCheck{
			{Name: "uses_unknown_variable", Query: "SELECT count(*) FROM reports.trips_report WHERE d = '{{ yesterday }}'"},
		},
	}

	w := tripsWindow()
	r := jinja.NewRenderer(jinja.WindowContext(w, "nyc_taxi", "run-1", asset.Name, nil))

	results := NewEvaluator(zap.NewNop().Sugar(), 2).Evaluate(context.Background(), store, store.Dialect(), asset, w, r)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Error, "the pattern check is not supported by this database")
	assert.Contains(t, results[1].Error, "failed to build the 'uses_unknown_variable' check")
	assert.False(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluator_EvaluateMatching(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count(*) FROM staging.trips WHERE (fare_amount < 0) AND " + inWindow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	w := tripsWindow()
	r := jinja.NewRenderer(jinja.WindowContext(w, "nyc_taxi", "run-1", "staging.trips", nil))

	results := NewEvaluator(zap.NewNop().Sugar(), 4).EvaluateMatching(context.Background(), store, store.Dialect(), tripsAsset(), w, r, NonBlocking)
	require.Len(t, results, 1)
	assert.Equal(t, "fare_amount:non_negative", results[0].DisplayName())
	assert.True(t, results[0].Passed)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, BlockingFailure("staging.trips", results))
}

func TestEvaluator_WholeTableForAssetsThatAreNotWindowed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT(zone_id) - COUNT(DISTINCT zone_id) FROM reference.zones").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	asset := &pipeline.Asset{
		Name:            "reference.zones",
		Materialization: pipeline.Materialization{Type: pipeline.MaterializationTypeTable, Strategy: pipeline.MaterializationStrategyCreateReplace},
		Columns: []pipeline.Column{
			{Name: "zone_id", Checks: []pipeline.ColumnCheck{{Name: "unique"}}},
		},
	}

	w := tripsWindow()
	r := jinja.NewRenderer(jinja.WindowContext(w, "nyc_taxi", "run-1", asset.Name, nil))

	results := NewEvaluator(zap.NewNop().Sugar(), 1).Evaluate(context.Background(), store, store.Dialect(), asset, w, r)
	require.Len(t, results, 1)
	assert.Equal(t, "column 'zone_id' has 1 non-unique values", results[0].Message)
	require.NoError(t, mock.ExpectationsWereMet())

	err := BlockingFailure(asset.Name, results)
	assert.Equal(t, "blocking check 'zone_id:unique' of asset 'reference.zones' failed: column 'zone_id' has 1 non-unique values", err.Error())
}
