package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bruin-data/windowed/pkg/logger"
	"github.com/bruin-data/windowed/pkg/pipeline"
	"github.com/bruin-data/windowed/pkg/scheduler"
	"github.com/fatih/color"
)

var (
	colors = []color.Attribute{
		color.FgBlue,
		color.FgMagenta,
		color.FgCyan,
		color.FgWhite,
		color.FgHiMagenta,
		color.FgHiBlue,
		color.FgHiCyan,
	}
	faint = color.New(color.Faint).SprintFunc()
)

type contextKey int

const (
	KeyPrinter contextKey = iota
	ContextLogger

	timeFormat = "2006-01-02 15:04:05"

	CancelledReason = "the run was cancelled"
)

// PrinterFromContext returns the writer of the worker executing the asset, io.Discard outside of a worker.
func PrinterFromContext(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(KeyPrinter).(io.Writer); ok {
		return w
	}

	return io.Discard
}

func LoggerFromContext(ctx context.Context) logger.Logger {
	if l, ok := ctx.Value(ContextLogger).(logger.Logger); ok {
		return l
	}

	return logger.Nop()
}

type Concurrent struct {
	workerCount int
	workers     []*worker
}

// Dispatcher decides whether a queued asset may still start and is told when an output halts the run.
type Dispatcher interface {
	Claim(instance *scheduler.AssetInstance) (bool, string)
	HaltAfter(instance *scheduler.AssetInstance)
}

type ConcurrentOptions struct {
	// AssetTimeout bounds the execution of a single asset, zero means no limit.
	AssetTimeout time.Duration
	// Output receives the progress lines of the workers, defaults to stdout.
	Output io.Writer
	// Dispatcher is consulted before every asset starts, nil lets every queued asset run.
	Dispatcher Dispatcher
}

func NewConcurrent(
	logger logger.Logger,
	taskTypeMap OperatorMap,
	workerCount int,
	opts ConcurrentOptions,
) *Concurrent {
	executor := &Sequential{
		TaskTypeMap: taskTypeMap,
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var printLock sync.Mutex

	workers := make([]*worker, workerCount)
	for i := range workerCount {
		workers[i] = &worker{
			id:        fmt.Sprintf("worker-%d", i),
			executor:  executor,
			logger:    logger,
			printer:   color.New(colors[i%len(colors)]),
			printLock: &printLock,
			out:       out,
			timeout:   opts.AssetTimeout,
			dispatch:  opts.Dispatcher,
		}
	}

	return &Concurrent{
		workerCount: workerCount,
		workers:     workers,
	}
}

// Start runs the workers until the input channel is closed. Once ctx is done the assets that were not started
// yet are reported back as skipped, the ones already running are not interrupted.
func (c Concurrent) Start(ctx context.Context, input <-chan *scheduler.AssetInstance, result chan<- *scheduler.TaskExecutionResult) {
	for i := range c.workerCount {
		go c.workers[i].run(ctx, input, result)
	}
}

type worker struct {
	id        string
	executor  *Sequential
	logger    logger.Logger
	printer   *color.Color
	printLock *sync.Mutex
	out       io.Writer
	timeout   time.Duration
	dispatch  Dispatcher
}

func (w worker) printf(format string, args ...any) {
	w.printLock.Lock()
	defer w.printLock.Unlock()

	_, _ = w.printer.Fprintf(w.out, format, args...)
}

func (w worker) run(ctx context.Context, taskChannel <-chan *scheduler.AssetInstance, results chan<- *scheduler.TaskExecutionResult) {
	for task := range taskChannel {
		if ctx.Err() != nil {
			w.logger.Debugf("[%s] not starting %s, the run was cancelled", w.id, task.GetHumanID())
			results <- &scheduler.TaskExecutionResult{
				Instance:   task,
				SkipReason: CancelledReason,
			}
			continue
		}

		if w.dispatch != nil {
			if ok, reason := w.dispatch.Claim(task); !ok {
				w.logger.Debugf("[%s] not starting %s: %s", w.id, task.GetHumanID(), reason)
				results <- &scheduler.TaskExecutionResult{
					Instance:   task,
					SkipReason: reason,
				}
				continue
			}
		}

		w.printf("[%s] Starting: %s %s\n", time.Now().Format(timeFormat), task.GetHumanID(), faint(task.Window.String()))

		start := time.Now()
		output, err := w.execute(ctx, task)

		duration := time.Since(start)
		durationString := fmt.Sprintf("(%s)", duration.Truncate(time.Millisecond).String())

		res := "Finished"
		if err != nil {
			res = "Failed"
		}

		w.printf("[%s] %s: %s %s\n", time.Now().Format(timeFormat), res, task.GetHumanID(), faint(durationString))

		if w.dispatch != nil && output != nil && output.Halt {
			w.dispatch.HaltAfter(task)
		}

		results <- &scheduler.TaskExecutionResult{
			Instance: task,
			Output:   output,
			Error:    err,
		}
	}
}

// execute detaches the asset from the cancellation of the run so that an asset which started always finishes,
// only its own timeout can stop it.
func (w worker) execute(ctx context.Context, task *scheduler.AssetInstance) (*scheduler.TaskOutput, error) {
	executionCtx := context.WithoutCancel(ctx)
	if w.timeout > 0 {
		var cancel context.CancelFunc
		executionCtx, cancel = context.WithTimeout(executionCtx, w.timeout)
		defer cancel()
	}

	printer := &workerWriter{
		w:           w.out,
		lock:        w.printLock,
		task:        task.GetAsset(),
		sprintfFunc: w.printer.SprintfFunc(),
	}

	executionCtx = context.WithValue(executionCtx, KeyPrinter, printer)
	executionCtx = context.WithValue(executionCtx, ContextLogger, w.logger)

	return w.executor.RunSingleTask(executionCtx, task)
}

type workerWriter struct {
	w           io.Writer
	lock        *sync.Mutex
	task        *pipeline.Asset
	sprintfFunc func(format string, a ...interface{}) string
}

func (w *workerWriter) Write(p []byte) (int, error) {
	formatted := w.sprintfFunc("[%s] [%s] %s", time.Now().Format(timeFormat), w.task.Name, string(p))

	w.lock.Lock()
	defer w.lock.Unlock()

	n, err := w.w.Write([]byte(formatted))
	if err != nil {
		return n, err
	}
	if n != len(formatted) {
		return n, io.ErrShortWrite
	}
	return len(p), nil
}
