package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bruin-data/windowed/pkg/dag"
	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/window"
	"github.com/google/uuid"
)

type TaskInstanceStatus int

func (s TaskInstanceStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

const (
	Pending TaskInstanceStatus = iota
	Queued
	Running
	Failed
	Succeeded
	Skipped
)

// AssetInstance is the execution of a single asset within a run.
type AssetInstance struct {
	ID       string
	RunID    string
	Handle   int
	Pipeline *pipeline.Pipeline
	Asset    *pipeline.Asset
	Window   window.Window

	status          TaskInstanceStatus
	upstream        []*AssetInstance
	downstream      []*AssetInstance
	materialization *MaterializationResult
	checks          []CheckResult
	err             error
	reason          string
}

func (t *AssetInstance) GetHumanID() string {
	return t.Asset.Name
}

func (t *AssetInstance) GetStatus() TaskInstanceStatus {
	return t.status
}

func (t *AssetInstance) Completed() bool {
	return t.status == Failed || t.status == Succeeded || t.status == Skipped
}

func (t *AssetInstance) MarkAs(status TaskInstanceStatus) {
	t.status = status
}

func (t *AssetInstance) GetAsset() *pipeline.Asset {
	return t.Asset
}

func (t *AssetInstance) GetUpstream() []*AssetInstance {
	return t.upstream
}

func (t *AssetInstance) GetDownstream() []*AssetInstance {
	return t.downstream
}

// Err is the error the asset failed with, if any.
func (t *AssetInstance) Err() error {
	return t.err
}

// Materialization is what the asset wrote, set once its result was received.
func (t *AssetInstance) Materialization() *MaterializationResult {
	return t.materialization
}

// SkipReason explains why a skipped asset was not run.
func (t *AssetInstance) SkipReason() string {
	return t.reason
}

// TaskOutput is what an operator produced for an asset, whether it failed or not.
type TaskOutput struct {
	Materialization *MaterializationResult
	Checks          []CheckResult
	// Halt stops the dispatch of any further asset, e.g. a blocking check failed in fail-fast mode.
	Halt bool
}

type TaskExecutionResult struct {
	Instance *AssetInstance
	Output   *TaskOutput
	Error    error
	// SkipReason is set when a queued asset was not started, e.g. the run got cancelled.
	SkipReason string
}

type Scheduler struct {
	logger           logger.Logger
	taskScheduleLock sync.Mutex
	pipeline         *pipeline.Pipeline
	runID            string

	taskInstances []*AssetInstance
	taskNameMap   map[string]*AssetInstance
	halted        bool
	haltReason    string
	closeOnce     sync.Once

	WorkQueue chan *AssetInstance
	Results   chan *TaskExecutionResult
}

// NewScheduler creates one instance per asset of the graph, in resolved order. windows holds the window of
// every asset by name.
func NewScheduler(logger logger.Logger, p *pipeline.Pipeline, g *dag.Graph, windows map[string]window.Window, runID string) *Scheduler {
	if runID == "" {
		runID = uuid.New().String()
	}

	byHandle := make([]*AssetInstance, g.Len())
	instances := make([]*AssetInstance, 0, g.Len())
	for _, h := range g.ResolveOrder() {
		asset := g.Asset(h)
		instance := &AssetInstance{
			ID:         uuid.New().String(),
			RunID:      runID,
			Handle:     h,
			Pipeline:   p,
			Asset:      asset,
			Window:     windows[asset.Name],
			status:     Pending,
			upstream:   make([]*AssetInstance, 0),
			downstream: make([]*AssetInstance, 0),
		}
		byHandle[h] = instance
		instances = append(instances, instance)
	}

	for _, instance := range instances {
		for _, u := range g.Upstream(instance.Handle) {
			instance.upstream = append(instance.upstream, byHandle[u])
			byHandle[u].downstream = append(byHandle[u].downstream, instance)
		}
	}

	s := &Scheduler{
		logger:        logger,
		pipeline:      p,
		runID:         runID,
		taskInstances: instances,
		taskNameMap:   make(map[string]*AssetInstance, len(instances)),
		// every instance is queued at most once, the queue never blocks the tick
		WorkQueue: make(chan *AssetInstance, len(instances)+1),
		Results:   make(chan *TaskExecutionResult, len(instances)+1),
	}

	for _, instance := range instances {
		s.taskNameMap[instance.Asset.Name] = instance
	}

	return s
}

func (s *Scheduler) RunID() string {
	return s.runID
}

func (s *Scheduler) InstanceCount() int {
	return len(s.taskInstances)
}

func (s *Scheduler) InstanceCountByStatus(status TaskInstanceStatus) int {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	count := 0
	for _, i := range s.taskInstances {
		if i.GetStatus() == status {
			count++
		}
	}

	return count
}

func (s *Scheduler) Instance(name string) *AssetInstance {
	return s.taskNameMap[name]
}

func (s *Scheduler) MarkAll(status TaskInstanceStatus) {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	for _, instance := range s.taskInstances {
		instance.MarkAs(status)
	}
}

// MarkTaskInstance marks the instance and, when downstream is set, every pending descendant.
func (s *Scheduler) MarkTaskInstance(instance *AssetInstance, status TaskInstanceStatus, downstream bool) {
	instance.MarkAs(status)
	if !downstream {
		return
	}

	for _, d := range instance.GetDownstream() {
		if d.Completed() {
			continue
		}

		s.MarkTaskInstance(d, status, downstream)
	}
}

func (s *Scheduler) markTaskInstanceFailedWithDownstream(instance *AssetInstance, err error) {
	instance.err = err
	for _, d := range instance.GetDownstream() {
		s.skipWithDownstream(d, "upstream '"+instance.Asset.Name+"' failed")
	}
	instance.MarkAs(Failed)
}

func (s *Scheduler) skipWithDownstream(instance *AssetInstance, reason string) {
	if instance.Completed() {
		return
	}

	instance.MarkAs(Skipped)
	instance.reason = reason
	for _, d := range instance.GetDownstream() {
		s.skipWithDownstream(d, reason)
	}
}

func (s *Scheduler) skipPending(reason string) {
	for _, instance := range s.taskInstances {
		if instance.GetStatus() == Pending {
			instance.MarkAs(Skipped)
			instance.reason = reason
		}
	}
}

func (s *Scheduler) GetTaskInstancesByStatus(status TaskInstanceStatus) []*AssetInstance {
	instances := make([]*AssetInstance, 0)
	for _, i := range s.taskInstances {
		if i.GetStatus() != status {
			continue
		}

		instances = append(instances, i)
	}

	return instances
}

// Run dispatches the assets until every one of them reached a terminal state. Once ctx is done no new
// asset is dispatched; the ones in flight are awaited and the pending ones are skipped.
func (s *Scheduler) Run(ctx context.Context) []*TaskExecutionResult {
	results := make([]*TaskExecutionResult, 0)
	if len(s.GetTaskInstancesByStatus(Pending)) == 0 {
		s.logger.Debug("no tasks to run, finishing the scheduler loop")
		s.closeWorkQueue()
		return results
	}

	if s.Kickstart() {
		return results
	}

	s.logger.Debug("started the scheduler loop")
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			s.logger.Debug("run cancelled, waiting for the running assets to finish")
			if s.Stop("the run was cancelled") {
				return results
			}
		case result := <-s.Results:
			s.logger.Debugf("received task result: %s", result.Instance.GetAsset().Name)
			results = append(results, result)
			finished := s.Tick(result)
			if finished {
				s.logger.Debug("pipeline has completed, finishing the scheduler loop")
				return results
			}
		}
	}
}

// Tick marks an iteration of the scheduler loop. It is called when a result is received.
// The results are mainly fed from a channel, but Tick allows implementing additional methods of passing
// Asset results and simulating scheduler loops, e.g. time travel. It is also useful for testing purposes.
func (s *Scheduler) Tick(result *TaskExecutionResult) bool {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	if result != nil && result.Instance != nil {
		instance := result.Instance
		if result.Output != nil {
			instance.materialization = result.Output.Materialization
			instance.checks = result.Output.Checks
			if result.Output.Halt {
				s.halt(failFastReason(instance))
			}
		}

		switch {
		case result.SkipReason != "":
			s.skipWithDownstream(instance, result.SkipReason)
		case result.Error != nil:
			s.markTaskInstanceFailedWithDownstream(instance, result.Error)
		default:
			instance.MarkAs(Succeeded)
		}
	}

	if s.halted {
		s.skipPending(s.haltReason)
	}

	if s.hasPipelineFinished() {
		s.closeWorkQueue()
		return true
	}

	if s.halted {
		return false
	}

	for _, task := range s.getScheduleableTasks() {
		task.MarkAs(Queued)
		s.WorkQueue <- task
	}

	return false
}

// Kickstart queues the assets without dependencies, it reports whether there was nothing to run.
func (s *Scheduler) Kickstart() bool {
	return s.Tick(nil)
}

// Stop prevents any further dispatch and skips the pending assets. It reports whether the run is finished.
func (s *Scheduler) Stop(reason string) bool {
	s.taskScheduleLock.Lock()
	s.halt(reason)
	s.taskScheduleLock.Unlock()

	return s.Tick(nil)
}

// Claim marks a queued instance as running. Once the dispatch is halted no queued instance may start, the
// reason is returned instead so the instance can be reported as skipped.
func (s *Scheduler) Claim(instance *AssetInstance) (bool, string) {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	if s.halted {
		return false, s.haltReason
	}

	instance.MarkAs(Running)
	return true, ""
}

// HaltAfter stops the dispatch as soon as the output of instance asks for it, before its result reaches the
// scheduler loop.
func (s *Scheduler) HaltAfter(instance *AssetInstance) {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	s.halt(failFastReason(instance))
}

func failFastReason(instance *AssetInstance) string {
	return "fail-fast: a blocking check of '" + instance.Asset.Name + "' failed"
}

func (s *Scheduler) halt(reason string) {
	if s.halted {
		return
	}

	s.halted = true
	s.haltReason = reason
}

func (s *Scheduler) closeWorkQueue() {
	s.closeOnce.Do(func() {
		close(s.WorkQueue)
	})
}

func (s *Scheduler) getScheduleableTasks() []*AssetInstance {
	tasks := make([]*AssetInstance, 0)
	for _, task := range s.taskInstances {
		if task.GetStatus() != Pending {
			continue
		}

		if !s.allDependenciesSucceededForTask(task) {
			continue
		}

		tasks = append(tasks, task)
	}

	return tasks
}

func (s *Scheduler) allDependenciesSucceededForTask(t *AssetInstance) bool {
	for _, upstream := range t.GetUpstream() {
		if upstream.GetStatus() != Succeeded {
			return false
		}
	}

	return true
}

func (s *Scheduler) hasPipelineFinished() bool {
	for _, task := range s.taskInstances {
		if !task.Completed() {
			return false
		}
	}

	return true
}

// Report builds the run report; classify turns asset errors into report errors.
func (s *Scheduler) Report(start, end time.Time, startedAt time.Time, classify func(error) *ReportError) *RunReport {
	s.taskScheduleLock.Lock()
	defer s.taskScheduleLock.Unlock()

	report := &RunReport{
		RunID:      s.runID,
		Pipeline:   s.pipeline.Name,
		Start:      start,
		End:        end,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Assets:     make([]*AssetReport, 0, len(s.taskInstances)),
	}

	for _, instance := range s.taskInstances {
		w := instance.Window
		ar := &AssetReport{
			Name:            instance.Asset.Name,
			Status:          instance.GetStatus().String(),
			Window:          &w,
			Materialization: instance.materialization,
			Checks:          instance.checks,
			SkipReason:      instance.reason,
		}

		if instance.err != nil {
			ar.Error = classify(instance.err)
		}

		report.Assets = append(report.Assets, ar)
	}

	return report
}
