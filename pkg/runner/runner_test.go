package runner

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/bruin-data/windowed/pkg/ansisql"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/query"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/bruin-data/windowed/pkg/sqlite"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type storeMap map[string]ansisql.Store

func (s storeMap) GetStore(name string) (ansisql.Store, error) {
	store, ok := s[name]
	if !ok {
		return nil, errors.Errorf("connection '%s' is not configured", name)
	}

	return store, nil
}

const stagingQuery = `SELECT DISTINCT trip_id, pickup_datetime, dropoff_datetime, fare_amount
FROM "raw.trips"
WHERE pickup_datetime >= '{{ start_datetime }}' AND pickup_datetime < '{{ end_datetime }}'`

const reportQuery = `SELECT substr(pickup_datetime, 1, 10) AS pickup_date, count(*) AS total_trips, sum(fare_amount) AS total_fare
FROM "staging.trips"
WHERE pickup_datetime >= '{{ start_date }}' AND pickup_datetime < '{{ end_date }}'
GROUP BY 1`

func taxiPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:               "nyc_taxi",
		DefaultConnections: map[string]string{"sqlite": "local"},
		Assets: []*pipeline.Asset{
			{
				Name: "staging.trips",
				Type: pipeline.AssetTypeSqliteQuery,
				Materialization: pipeline.Materialization{
					Type:            pipeline.MaterializationTypeTable,
					Strategy:        pipeline.MaterializationStrategyTimeInterval,
					IncrementalKey:  "pickup_datetime",
					TimeGranularity: window.GranularityTimestamp,
				},
				Columns: []pipeline.Column{
					{Name: "trip_id", Checks: []pipeline.ColumnCheck{{Name: "not_null"}}},
					{Name: "pickup_datetime"},
					{Name: "dropoff_datetime"},
					{Name: "fare_amount"},
				},
				CustomChecks: []pipeline.CustomCheck{
					{
						Name:  "row_count_greater_than_zero",
						Query: `SELECT count(*) > 0 FROM "staging.trips"`,
						Value: 1,
					},
					{
						Name:  "dropoff_after_pickup",
						Query: `SELECT count(*) FROM "staging.trips" WHERE dropoff_datetime < pickup_datetime AND pickup_datetime >= '{{ start_datetime }}' AND pickup_datetime < '{{ end_datetime }}'`,
						Value: 0,
					},
				},
				ExecutableFile: pipeline.ExecutableFile{Content: stagingQuery},
			},
			{
				Name:      "reports.trips_report",
				Type:      pipeline.AssetTypeSqliteQuery,
				Upstreams: []pipeline.Upstream{{Type: "asset", Value: "staging.trips"}},
				Materialization: pipeline.Materialization{
					Type:            pipeline.MaterializationTypeTable,
					Strategy:        pipeline.MaterializationStrategyTimeInterval,
					IncrementalKey:  "pickup_date",
					TimeGranularity: window.GranularityDate,
				},
				ExecutableFile: pipeline.ExecutableFile{Content: reportQuery},
			},
		},
	}
}

type testDB struct {
	t      *testing.T
	client *sqlite.Client
}

func newTestDB(t *testing.T) *testDB {
	t.Helper()

	client, err := sqlite.NewClient(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "taxi.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	db := &testDB{t: t, client: client}
	db.exec(`CREATE TABLE "raw.trips" (trip_id INTEGER, pickup_datetime TEXT, dropoff_datetime TEXT, fare_amount REAL)`)

	return db
}

func (db *testDB) exec(q string) {
	db.t.Helper()

	_, err := db.client.Exec(context.Background(), &query.Query{Query: q})
	require.NoError(db.t, err)
}

func (db *testDB) rows(q string) [][]interface{} {
	db.t.Helper()

	rows, err := db.client.Select(context.Background(), &query.Query{Query: q})
	require.NoError(db.t, err)

	return rows
}

func (db *testDB) seedTrips() {
	db.exec(`INSERT INTO "raw.trips" VALUES
		(1, '2024-01-15T08:00:00', '2024-01-15T08:20:00', 12.5),
		(2, '2024-01-15T09:30:00', '2024-01-15T09:45:00', 8.0),
		(2, '2024-01-15T09:30:00', '2024-01-15T09:45:00', 8.0),
		(3, '2024-01-16T07:00:00', '2024-01-16T07:10:00', 5.5)`)
}

func newTestRunner(db *testDB, p *pipeline.Pipeline, cfg scheduler.RunConfig) *Runner {
	return New(zap.NewNop().Sugar(), p, storeMap{"local": db.client}, cfg, WithOutput(io.Discard))
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestRunner_Run_ReRunningAWindowIsIdempotent(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	r := newTestRunner(db, taxiPipeline(), scheduler.RunConfig{})

	report, err := r.Run(context.Background(), day(15), day(16))
	require.NoError(t, err)
	require.False(t, report.Failed())
	assert.False(t, report.HasCheckFailures())
	assert.Equal(t, 2, report.CountByStatus(scheduler.Succeeded))

	staging := db.rows(`SELECT trip_id, pickup_datetime, fare_amount FROM "staging.trips" ORDER BY trip_id`)
	reportRows := db.rows(`SELECT pickup_date, total_trips, total_fare FROM "reports.trips_report" ORDER BY pickup_date`)
	assert.Equal(t, [][]interface{}{
		{int64(1), "2024-01-15T08:00:00", 12.5},
		{int64(2), "2024-01-15T09:30:00", 8.0},
	}, staging)
	assert.Equal(t, [][]interface{}{{"2024-01-15", int64(2), 20.5}}, reportRows)

	report, err = r.Run(context.Background(), day(15), day(16))
	require.NoError(t, err)
	require.False(t, report.Failed())

	mat := report.Asset("staging.trips").Materialization
	assert.Equal(t, int64(2), mat.RowsDeleted)
	assert.Equal(t, int64(2), mat.RowsInserted)
	assert.Equal(t, staging, db.rows(`SELECT trip_id, pickup_datetime, fare_amount FROM "staging.trips" ORDER BY trip_id`))
	assert.Equal(t, reportRows, db.rows(`SELECT pickup_date, total_trips, total_fare FROM "reports.trips_report" ORDER BY pickup_date`))

	// the next window adds its own rows and leaves the previous ones in place
	report, err = r.Run(context.Background(), day(16), day(17))
	require.NoError(t, err)
	require.False(t, report.Failed())
	assert.Equal(t, [][]interface{}{
		{"2024-01-15", int64(2), 20.5},
		{"2024-01-16", int64(1), 5.5},
	}, db.rows(`SELECT pickup_date, total_trips, total_fare FROM "reports.trips_report" ORDER BY pickup_date`))
}

func TestRunner_Run_EmptyWindowWritesNothing(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	r := newTestRunner(db, taxiPipeline(), scheduler.RunConfig{})
	_, err := r.Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	before := db.rows(`SELECT trip_id FROM "staging.trips" ORDER BY trip_id`)

	report, err := r.Run(context.Background(), day(15).Add(3*time.Hour), day(15).Add(3*time.Hour))
	require.NoError(t, err)

	for _, name := range []string{"staging.trips", "reports.trips_report"} {
		a := report.Asset(name)
		assert.Equal(t, scheduler.Succeeded.String(), a.Status)
		assert.True(t, a.Materialization.Skipped)
		assert.Empty(t, a.Materialization.Statements)
		assert.Equal(t, int64(0), a.Materialization.RowsDeleted)
		assert.Equal(t, int64(0), a.Materialization.RowsInserted)
	}
	assert.Equal(t, before, db.rows(`SELECT trip_id FROM "staging.trips" ORDER BY trip_id`))
}

func TestRunner_Run_UpstreamFailureSkipsTheReport(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	p := taxiPipeline()
	p.Assets[0].ExecutableFile.Content = `SELECT * FROM "raw.missing_trips"`

	report, err := newTestRunner(db, p, scheduler.RunConfig{}).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)
	assert.True(t, report.Failed())

	staging := report.Asset("staging.trips")
	assert.Equal(t, scheduler.Failed.String(), staging.Status)
	assert.Equal(t, scheduler.ErrorKindMaterialization, staging.Error.Kind)
	assert.Contains(t, staging.Error.Message, "raw.missing_trips")

	downstream := report.Asset("reports.trips_report")
	assert.Equal(t, scheduler.Skipped.String(), downstream.Status)
	assert.Equal(t, "upstream 'staging.trips' failed", downstream.SkipReason)
	assert.Nil(t, downstream.Materialization)
}

func TestRunner_Run_EmptyTableFailsTheRowCountCheck(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	report, err := newTestRunner(db, taxiPipeline(), scheduler.RunConfig{}).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	staging := report.Asset("staging.trips")
	assert.Equal(t, scheduler.Succeeded.String(), staging.Status, "check failures do not fail the asset unless the run fails fast")
	assert.True(t, report.HasCheckFailures())

	failed := staging.FailedChecks()
	require.Len(t, failed, 1)
	assert.Equal(t, "row_count_greater_than_zero", failed[0].Name)
	assert.Equal(t, int64(0), failed[0].Observed)
	assert.Equal(t, int64(1), failed[0].Expected)
	assert.Equal(t, scheduler.Succeeded.String(), report.Asset("reports.trips_report").Status)
}

func TestRunner_Run_DropoffBeforePickupFailsFast(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()
	db.exec(`INSERT INTO "raw.trips" VALUES (4, '2024-01-15T10:00:00', '2024-01-15T09:00:00', 3.0)`)

	cfg := scheduler.RunConfig{OnCheckFailure: pipeline.CheckFailureFailFast}
	report, err := newTestRunner(db, taxiPipeline(), cfg).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	staging := report.Asset("staging.trips")
	assert.Equal(t, scheduler.Failed.String(), staging.Status)
	assert.Equal(t, scheduler.ErrorKindCheckFailure, staging.Error.Kind)

	failed := staging.FailedChecks()
	require.Len(t, failed, 1)
	assert.Equal(t, "dropoff_after_pickup", failed[0].Name)
	assert.Equal(t, int64(1), failed[0].Observed)
	assert.Equal(t, int64(0), failed[0].Expected)

	assert.Equal(t, scheduler.Skipped.String(), report.Asset("reports.trips_report").Status)

	// without rollback the rows stay written
	assert.Len(t, db.rows(`SELECT trip_id FROM "staging.trips"`), 3)
}

func TestRunner_Run_FailFastDoesNotStartQueuedAssets(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()
	db.exec(`INSERT INTO "raw.trips" VALUES (4, '2024-01-15T10:00:00', '2024-01-15T09:00:00', 3.0)`)

	p := taxiPipeline()
	p.Assets = append(p.Assets, &pipeline.Asset{
		Name: "other.trips",
		Type: pipeline.AssetTypeSqliteQuery,
		Materialization: pipeline.Materialization{
			Type:            pipeline.MaterializationTypeTable,
			Strategy:        pipeline.MaterializationStrategyTimeInterval,
			IncrementalKey:  "pickup_datetime",
			TimeGranularity: window.GranularityTimestamp,
		},
		ExecutableFile: pipeline.ExecutableFile{Content: stagingQuery},
	})

	// a single worker receives both independent assets before the first one finishes
	cfg := scheduler.RunConfig{OnCheckFailure: pipeline.CheckFailureFailFast, Workers: 1}
	report, err := newTestRunner(db, p, cfg).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	assert.Equal(t, scheduler.Failed.String(), report.Asset("staging.trips").Status)
	assert.Equal(t, scheduler.Skipped.String(), report.Asset("reports.trips_report").Status)

	other := report.Asset("other.trips")
	assert.Equal(t, scheduler.Skipped.String(), other.Status)
	assert.Contains(t, other.SkipReason, "fail-fast")
	assert.Nil(t, other.Materialization)

	assert.Equal(t, [][]interface{}{{int64(0)}}, db.rows(`SELECT count(*) FROM sqlite_master WHERE name = 'other.trips'`))
}

func TestRunner_Run_PrintsAssetSummaries(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	var out bytes.Buffer
	r := New(zap.NewNop().Sugar(), taxiPipeline(), storeMap{"local": db.client}, scheduler.RunConfig{}, WithOutput(&out))
	_, err := r.Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "[staging.trips] deleted 0 rows, inserted 2 rows")
	assert.Contains(t, out.String(), "[reports.trips_report] deleted 0 rows, inserted 1 rows")
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printSummary(&out, &scheduler.TaskOutput{
		Materialization: &scheduler.MaterializationResult{Window: window.Window{Start: day(15), End: day(15), Granularity: window.GranularityDate}, Skipped: true},
		Checks: []scheduler.CheckResult{
			{Name: "not_null", Column: "trip_id", Passed: true},
			{Name: "dropoff_after_pickup", Observed: 3, Expected: 0},
			{Name: "row_count_greater_than_zero", Error: "no such table"},
		},
	})

	assert.Contains(t, out.String(), "empty window")
	assert.NotContains(t, out.String(), "not_null")
	assert.Contains(t, out.String(), "check 'dropoff_after_pickup' failed: observed 3, expected 0")
	assert.Contains(t, out.String(), "check 'row_count_greater_than_zero' could not run: no such table")
}

func TestRunner_Run_RollbackOnCheckFailure(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	_, err := newTestRunner(db, taxiPipeline(), scheduler.RunConfig{}).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)
	before := db.rows(`SELECT trip_id FROM "staging.trips" ORDER BY trip_id`)
	require.Len(t, before, 2)

	db.exec(`INSERT INTO "raw.trips" VALUES (4, '2024-01-15T10:00:00', '2024-01-15T09:00:00', 3.0)`)

	cfg := scheduler.RunConfig{RollbackOnFailure: true}
	report, err := newTestRunner(db, taxiPipeline(), cfg).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)

	staging := report.Asset("staging.trips")
	assert.Equal(t, scheduler.Failed.String(), staging.Status)
	assert.Equal(t, scheduler.ErrorKindCheckFailure, staging.Error.Kind)
	assert.Equal(t, "dropoff_after_pickup", staging.FailedChecks()[0].Name)
	assert.Equal(t, scheduler.Skipped.String(), report.Asset("reports.trips_report").Status)

	assert.Equal(t, before, db.rows(`SELECT trip_id FROM "staging.trips" ORDER BY trip_id`))
}

func TestRunner_Run_RollbackKeepsPassingRuns(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	cfg := scheduler.RunConfig{RollbackOnFailure: true}
	report, err := newTestRunner(db, taxiPipeline(), cfg).Run(context.Background(), day(15), day(16))
	require.NoError(t, err)
	require.False(t, report.Failed())

	checks := report.Asset("staging.trips").Checks
	require.Len(t, checks, 3)
	assert.Equal(t, []string{"trip_id:not_null", "row_count_greater_than_zero", "dropoff_after_pickup"}, []string{
		checks[0].DisplayName(), checks[1].DisplayName(), checks[2].DisplayName(),
	})
	assert.Len(t, db.rows(`SELECT trip_id FROM "staging.trips"`), 2)
}

func TestRunner_Run_ConfigurationErrorsAbortTheRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		modify   func(p *pipeline.Pipeline)
		stores   storeMap
		wantKind scheduler.ErrorKind
	}{
		{
			name: "cyclic dependency",
			modify: func(p *pipeline.Pipeline) {
				p.Assets[0].Upstreams = []pipeline.Upstream{{Type: "asset", Value: "reports.trips_report"}}
			},
			wantKind: scheduler.ErrorKindCyclicDependency,
		},
		{
			name: "unknown dependency",
			modify: func(p *pipeline.Pipeline) {
				p.Assets[1].Upstreams = []pipeline.Upstream{{Type: "asset", Value: "staging.zones"}}
			},
			wantKind: scheduler.ErrorKindUnknownDependency,
		},
		{
			name: "invalid granularity",
			modify: func(p *pipeline.Pipeline) {
				p.Assets[1].Materialization.TimeGranularity = "weekly"
			},
			wantKind: scheduler.ErrorKindInvalidGranularity,
		},
		{
			name: "missing incremental key",
			modify: func(p *pipeline.Pipeline) {
				p.Assets[1].Materialization.IncrementalKey = ""
			},
			wantKind: scheduler.ErrorKindInvalidDefinition,
		},
		{
			name:     "missing connection",
			modify:   func(p *pipeline.Pipeline) {},
			stores:   storeMap{},
			wantKind: scheduler.ErrorKindInvalidDefinition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db := newTestDB(t)
			db.seedTrips()

			p := taxiPipeline()
			tt.modify(p)

			stores := tt.stores
			if stores == nil {
				stores = storeMap{"local": db.client}
			}

			r := New(zap.NewNop().Sugar(), p, stores, scheduler.RunConfig{}, WithOutput(io.Discard), WithRunID("run-1"))
			report, err := r.Run(context.Background(), day(15), day(16))
			require.Error(t, err)

			require.NotNil(t, report)
			assert.Equal(t, "run-1", report.RunID)
			assert.Equal(t, tt.wantKind, report.Error.Kind)
			assert.True(t, report.Failed())
			assert.Equal(t, 2, report.CountByStatus(scheduler.Skipped))

			// nothing was executed
			rows := db.rows(`SELECT count(*) FROM sqlite_master WHERE name IN ('staging.trips', 'reports.trips_report')`)
			assert.Equal(t, [][]interface{}{{int64(0)}}, rows)
		})
	}
}

func TestRunner_Run_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.seedTrips()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestRunner(db, taxiPipeline(), scheduler.RunConfig{}).Run(ctx, day(15), day(16))
	require.NoError(t, err)
	assert.Equal(t, 2, report.CountByStatus(scheduler.Skipped))
	assert.Equal(t, "the run was cancelled", report.Asset("staging.trips").SkipReason)
}

func TestRunner_Plan(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	p := taxiPipeline()
	p.Assets[1].IntervalModifiers = window.Modifiers{Start: "-1d"}

	r := newTestRunner(db, p, scheduler.RunConfig{ApplyIntervalModifiers: true})
	g, windows, err := r.Plan(day(15).Add(10*time.Hour+30*time.Minute), day(16).Add(14*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"staging.trips", "reports.trips_report"}, g.ResolveOrderNames())
	assert.Equal(t, window.Window{
		Start:       day(15).Add(10*time.Hour + 30*time.Minute),
		End:         day(16).Add(14 * time.Hour),
		Granularity: window.GranularityTimestamp,
	}, windows["staging.trips"])
	assert.Equal(t, window.Window{Start: day(14), End: day(16), Granularity: window.GranularityDate}, windows["reports.trips_report"])
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Classify(nil))
	assert.Equal(t, scheduler.ErrorKindTimeout, Classify(errors.Wrap(context.DeadlineExceeded, "select")).Kind)
	assert.Equal(t, scheduler.ErrorKindMaterialization, Classify(errors.New("disk full")).Kind)
	assert.Equal(t, scheduler.ErrorKindInvalidGranularity, Classify(&pipeline.InvalidDefinitionError{Err: &window.InvalidGranularityError{Value: "weekly"}}).Kind)
}
