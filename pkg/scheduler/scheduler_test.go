package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bruin-data/windowed/pkg/dag"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// In the test cases I'll simulate the execution steps of the following graph:
// task11 -> task12
// task21 -> task22
// task12 -> task3
// task22 -> task3
func testPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name: "test",
		Assets: []*pipeline.Asset{
			{
				Name: "task11",
			},
			{
				Name: "task21",
			},
			{
				Name: "task12",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "task11"},
				},
			},
			{
				Name: "task22",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "task21"},
				},
			},
			{
				Name: "task3",
				Upstreams: []pipeline.Upstream{
					{Type: "asset", Value: "task12"},
					{Type: "asset", Value: "task22"},
				},
			},
		},
	}
}

func newTestScheduler(t *testing.T, p *pipeline.Pipeline) *Scheduler {
	t.Helper()

	g, err := dag.New(p.Assets)
	require.NoError(t, err)

	return NewScheduler(zap.NewNop().Sugar(), p, g, map[string]window.Window{}, "run-1")
}

func TestScheduler_getScheduleableTasks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		taskInstances map[string]TaskInstanceStatus
		want          []string
	}{
		{
			name: "beginning the pipeline execution",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Pending,
				"task12": Pending,
				"task21": Pending,
				"task22": Pending,
				"task3":  Pending,
			},
			want: []string{"task11", "task21"},
		},
		{
			name: "both t1 and t2 are running, should get nothing",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Running,
				"task12": Pending,
				"task21": Queued,
				"task22": Pending,
				"task3":  Pending,
			},
			want: []string{},
		},
		{
			name: "t11 succeeded, should get t12",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Succeeded,
				"task12": Pending,
				"task21": Running,
				"task22": Pending,
				"task3":  Pending,
			},
			want: []string{"task12"},
		},
		{
			name: "t22 succeeded as well, should get the final asset",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Succeeded,
				"task12": Succeeded,
				"task21": Succeeded,
				"task22": Succeeded,
				"task3":  Pending,
			},
			want: []string{"task3"},
		},
		{
			name: "a failed upstream never makes the downstream runnable",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Succeeded,
				"task12": Failed,
				"task21": Succeeded,
				"task22": Succeeded,
				"task3":  Pending,
			},
			want: []string{},
		},
		{
			name: "everything succeeded, should get nothing",
			taskInstances: map[string]TaskInstanceStatus{
				"task11": Succeeded,
				"task12": Succeeded,
				"task21": Succeeded,
				"task22": Succeeded,
				"task3":  Succeeded,
			},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestScheduler(t, testPipeline())
			for name, status := range tt.taskInstances {
				s.Instance(name).MarkAs(status)
			}

			got := s.getScheduleableTasks()
			gotNames := make([]string, 0, len(got))
			for _, t := range got {
				gotNames = append(gotNames, t.GetAsset().Name)
			}

			assert.Equal(t, tt.want, gotNames)
		})
	}
}

func TestScheduler_Tick(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())
	assert.Equal(t, 5, s.InstanceCount())
	assert.False(t, s.Kickstart())

	// ensure the first two tasks are scheduled
	t11 := <-s.WorkQueue
	assert.Equal(t, "task11", t11.GetHumanID())

	t21 := <-s.WorkQueue
	assert.Equal(t, "task21", t21.GetHumanID())

	// mark t11 as completed, expect t12 to be scheduled
	s.Tick(&TaskExecutionResult{Instance: t11})
	t12 := <-s.WorkQueue
	assert.Equal(t, "task12", t12.GetHumanID())

	// expect t22 to arrive, given that t21 was completed
	s.Tick(&TaskExecutionResult{Instance: t21})
	t22 := <-s.WorkQueue
	assert.Equal(t, "task22", t22.GetHumanID())

	finished := s.Tick(&TaskExecutionResult{Instance: t12})
	assert.False(t, finished)
	finished = s.Tick(&TaskExecutionResult{Instance: t22})
	assert.False(t, finished)

	// now that both t12 and t22 are completed, expect t3 to be dispatched
	t3 := <-s.WorkQueue
	assert.Equal(t, "task3", t3.GetHumanID())

	finished = s.Tick(&TaskExecutionResult{Instance: t3})
	assert.True(t, finished)
	assert.Equal(t, 5, s.InstanceCountByStatus(Succeeded))

	_, open := <-s.WorkQueue
	assert.False(t, open)
}

func TestScheduler_FailureSkipsDescendants(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())
	s.Kickstart()

	t11 := <-s.WorkQueue
	t21 := <-s.WorkQueue

	s.Tick(&TaskExecutionResult{Instance: t11, Error: errors.New("table is locked")})
	assert.Equal(t, Failed, t11.GetStatus())
	assert.Equal(t, Skipped, s.Instance("task12").GetStatus())
	assert.Equal(t, Skipped, s.Instance("task3").GetStatus())
	assert.Equal(t, "upstream 'task11' failed", s.Instance("task3").SkipReason())

	// the independent branch keeps running
	s.Tick(&TaskExecutionResult{Instance: t21})
	t22 := <-s.WorkQueue
	assert.Equal(t, "task22", t22.GetHumanID())

	finished := s.Tick(&TaskExecutionResult{Instance: t22})
	assert.True(t, finished)
	assert.Equal(t, Succeeded, t22.GetStatus())
	assert.Equal(t, Skipped, s.Instance("task3").GetStatus())
}

func TestScheduler_HaltStopsDispatch(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())
	s.Kickstart()

	t11 := <-s.WorkQueue
	t21 := <-s.WorkQueue

	finished := s.Tick(&TaskExecutionResult{
		Instance: t11,
		Error:    errors.New("blocking check failed"),
		Output:   &TaskOutput{Checks: []CheckResult{{Name: "not_null", Blocking: true}}, Halt: true},
	})
	assert.False(t, finished, "task21 is still in flight")
	assert.Equal(t, Skipped, s.Instance("task22").GetStatus())
	assert.Equal(t, Skipped, s.Instance("task12").GetStatus())

	finished = s.Tick(&TaskExecutionResult{Instance: t21})
	assert.True(t, finished)
	assert.Equal(t, Succeeded, t21.GetStatus())
	assert.Contains(t, s.Instance("task22").SkipReason(), "fail-fast")

	select {
	case extra, ok := <-s.WorkQueue:
		assert.False(t, ok, "nothing must be dispatched after a halt, got %v", extra)
	default:
		t.Fatal("the work queue must be closed")
	}
}

func TestScheduler_ClaimAfterHalt(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())
	s.Kickstart()

	t11 := <-s.WorkQueue
	t21 := <-s.WorkQueue

	ok, _ := s.Claim(t11)
	require.True(t, ok)
	assert.Equal(t, Running, t11.GetStatus())

	s.HaltAfter(t11)

	ok, reason := s.Claim(t21)
	assert.False(t, ok)
	assert.Equal(t, "fail-fast: a blocking check of 'task11' failed", reason)
	assert.Equal(t, Queued, t21.GetStatus())

	s.Tick(&TaskExecutionResult{Instance: t11, Error: errors.New("blocking check failed"), Output: &TaskOutput{Halt: true}})
	finished := s.Tick(&TaskExecutionResult{Instance: t21, SkipReason: reason})
	assert.True(t, finished)
	assert.Equal(t, Failed, t11.GetStatus())
	assert.Equal(t, Skipped, t21.GetStatus())
	assert.Equal(t, 4, s.InstanceCountByStatus(Skipped))
}

func TestScheduler_QueuedAssetsCanBeSkipped(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())
	s.Kickstart()

	t11 := <-s.WorkQueue
	t21 := <-s.WorkQueue

	assert.False(t, s.Stop("the run was cancelled"))
	assert.Equal(t, 3, s.InstanceCountByStatus(Skipped))

	s.Tick(&TaskExecutionResult{Instance: t11})
	finished := s.Tick(&TaskExecutionResult{Instance: t21, SkipReason: "the run was cancelled"})
	assert.True(t, finished)
	assert.Equal(t, Succeeded, t11.GetStatus())
	assert.Equal(t, Skipped, t21.GetStatus())
}

func fakeWorkers(s *Scheduler, fail map[string]error) {
	go func() {
		for task := range s.WorkQueue {
			s.Results <- &TaskExecutionResult{
				Instance: task,
				Output: &TaskOutput{
					Materialization: &MaterializationResult{Asset: task.Asset.Name, Window: task.Window},
				},
				Error: fail[task.Asset.Name],
			}
		}
	}()
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()

	p := testPipeline()
	g, err := dag.New(p.Assets)
	require.NoError(t, err)

	w := window.Window{
		Start:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
		Granularity: window.GranularityDate,
	}
	windows := map[string]window.Window{}
	for _, a := range p.Assets {
		windows[a.Name] = w
	}

	s := NewScheduler(zap.NewNop().Sugar(), p, g, windows, "")
	assert.NotEmpty(t, s.RunID())

	fakeWorkers(s, map[string]error{"task22": errors.New("boom")})

	results := s.Run(context.Background())
	assert.Len(t, results, 4)

	report := s.Report(w.Start, w.End, time.Now(), func(err error) *ReportError {
		return &ReportError{Kind: ErrorKindMaterialization, Message: err.Error()}
	})
	assert.Equal(t, s.RunID(), report.RunID)
	assert.Equal(t, "test", report.Pipeline)
	require.Len(t, report.Assets, 5)
	assert.Equal(t, []string{"task11", "task21", "task12", "task22", "task3"}, []string{
		report.Assets[0].Name, report.Assets[1].Name, report.Assets[2].Name, report.Assets[3].Name, report.Assets[4].Name,
	})

	assert.Equal(t, "succeeded", report.Asset("task12").Status)
	assert.Equal(t, w, report.Asset("task12").Materialization.Window)
	assert.Equal(t, "failed", report.Asset("task22").Status)
	assert.Equal(t, &ReportError{Kind: ErrorKindMaterialization, Message: "boom"}, report.Asset("task22").Error)
	assert.Equal(t, "skipped", report.Asset("task3").Status)
	assert.True(t, report.Failed())
	assert.False(t, report.HasCheckFailures())
}

func TestScheduler_RunCancelled(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testPipeline())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	go func() {
		for task := range s.WorkQueue {
			// the assets in flight finish only after the scheduler reacted to the cancellation
			for s.InstanceCountByStatus(Skipped) < 3 {
				time.Sleep(time.Millisecond)
			}
			s.Results <- &TaskExecutionResult{Instance: task}
		}
	}()

	results := s.Run(ctx)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, s.InstanceCountByStatus(Succeeded))
	assert.Equal(t, 3, s.InstanceCountByStatus(Skipped))
	assert.Equal(t, "the run was cancelled", s.Instance("task3").SkipReason())
}
