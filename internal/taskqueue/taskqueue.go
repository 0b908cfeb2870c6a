// Package taskqueue runs argument-vector subprocesses under a bounded
// concurrency limit.
//
// Child processes run in parallel, but every callback (began, finished,
// signalled) is delivered on the goroutine that called Execute, serialized
// with respect to the submission loop. Callers may therefore mutate shared
// scheduling state inside callbacks, and submit further tasks from them,
// without locking. A Queue is not safe for concurrent use from multiple
// goroutines.
package taskqueue

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/vk/buildsched/internal/ctxlog"
)

// Response tells the queue whether to keep launching queued tasks.
type Response int

const (
	// ContinueExecution keeps the queue launching tasks.
	ContinueExecution Response = iota
	// StopExecution stops launching queued tasks. Tasks already running are
	// allowed to drain; their callbacks still fire.
	StopExecution
)

// BeganFunc is called once a task's process has started.
type BeganFunc func(pid int, taskCtx any)

// FinishedFunc is called when a task's process exits normally, with its
// exit code and captured output.
type FinishedFunc func(pid int, returnCode int, output string, taskCtx any) Response

// SignalledFunc is called when a task's process dies abnormally (killed by
// a signal, or failed to launch at all, in which case pid is 0).
type SignalledFunc func(pid int, errorMsg string, output string, taskCtx any) Response

// Queue is the bounded-concurrency executor consumed by the scheduler.
type Queue interface {
	// AddTask queues one subprocess invocation. taskCtx is handed back
	// opaquely to every callback for this task. Tasks may be added before
	// Execute and from within callbacks during Execute.
	AddTask(executable string, args []string, taskCtx any)
	// Execute runs queued tasks and blocks until all reachable work has
	// drained or a callback requested stop.
	Execute(ctx context.Context, began BeganFunc, finished FinishedFunc, signalled SignalledFunc)
	// SupportsBufferingOutput reports whether output is captured per task.
	SupportsBufferingOutput() bool
	// SupportsParallelExecution reports whether tasks can run concurrently.
	SupportsParallelExecution() bool
}

// task is one queued invocation.
type task struct {
	executable string
	args       []string
	ctx        any
}

// eventKind discriminates worker events.
type eventKind int

const (
	evBegan eventKind = iota
	evFinished
	evSignalled
)

// event is what a worker goroutine reports back to the Execute loop.
type event struct {
	kind     eventKind
	task     *task
	pid      int
	code     int
	errorMsg string
	output   string
}

// TaskQueue launches real subprocesses with up to parallelism of them
// running at once.
type TaskQueue struct {
	parallelism int
	pending     []*task
}

// New returns a TaskQueue allowing up to parallelism concurrent processes.
// A parallelism below 1 is treated as 1.
func New(parallelism int) *TaskQueue {
	if parallelism < 1 {
		parallelism = 1
	}
	return &TaskQueue{parallelism: parallelism}
}

// AddTask implements Queue.
func (q *TaskQueue) AddTask(executable string, args []string, taskCtx any) {
	q.pending = append(q.pending, &task{executable: executable, args: args, ctx: taskCtx})
}

// SupportsBufferingOutput implements Queue.
func (q *TaskQueue) SupportsBufferingOutput() bool { return true }

// SupportsParallelExecution implements Queue.
func (q *TaskQueue) SupportsParallelExecution() bool { return true }

// Execute implements Queue. It launches queued tasks up to the concurrency
// limit, funnels worker events through a single channel, and invokes the
// callbacks serially as events arrive. New tasks queued from inside
// callbacks are picked up by the same loop.
func (q *TaskQueue) Execute(ctx context.Context, began BeganFunc, finished FinishedFunc, signalled SignalledFunc) {
	logger := ctxlog.FromContext(ctx)

	events := make(chan event)
	running := 0
	stopped := false

	for {
		for !stopped && running < q.parallelism && len(q.pending) > 0 {
			t := q.pending[0]
			q.pending = q.pending[1:]
			running++
			logger.Debug("Launching task.", "executable", t.executable)
			go runTask(t, events)
		}

		if running == 0 {
			break
		}

		ev := <-events
		switch ev.kind {
		case evBegan:
			if began != nil {
				began(ev.pid, ev.task.ctx)
			}
		case evFinished:
			running--
			if finished != nil && finished(ev.pid, ev.code, ev.output, ev.task.ctx) == StopExecution {
				stopped = true
			}
		case evSignalled:
			running--
			if signalled != nil && signalled(ev.pid, ev.errorMsg, ev.output, ev.task.ctx) == StopExecution {
				stopped = true
			}
		}
	}

	if stopped {
		logger.Debug("Execution stopped early.", "dropped_tasks", len(q.pending))
		q.pending = nil
	}
}

// runTask executes one subprocess and reports its lifecycle over events.
// It runs on its own goroutine; the Execute loop serializes delivery.
func runTask(t *task, events chan<- event) {
	cmd := exec.Command(t.executable, t.args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		events <- event{kind: evSignalled, task: t, errorMsg: err.Error()}
		return
	}

	pid := cmd.Process.Pid
	events <- event{kind: evBegan, task: t, pid: pid}

	err := cmd.Wait()
	output := buf.String()

	if err == nil {
		events <- event{kind: evFinished, task: t, pid: pid, output: output}
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the process was terminated by a signal.
		if code := exitErr.ExitCode(); code >= 0 {
			events <- event{kind: evFinished, task: t, pid: pid, code: code, output: output}
			return
		}
		events <- event{
			kind:     evSignalled,
			task:     t,
			pid:      pid,
			errorMsg: exitErr.ProcessState.String(),
			output:   output,
		}
		return
	}

	events <- event{kind: evSignalled, task: t, pid: pid, errorMsg: err.Error(), output: output}
}
