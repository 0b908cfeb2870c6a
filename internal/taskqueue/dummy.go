package taskqueue

import (
	"context"

	"github.com/vk/buildsched/internal/ctxlog"
)

// DummyTaskQueue simulates execution without launching any process. It is
// used for dry runs where only the scheduling decisions matter: every task
// "begins" and then "finishes" with exit code 0 and empty output, under a
// synthetic pid.
type DummyTaskQueue struct {
	pending []*task
	nextPid int
}

// NewDummy returns a dry queue. The parallelism argument is accepted for
// signature parity with New but is irrelevant: simulated tasks complete
// instantly in submission order.
func NewDummy(parallelism int) *DummyTaskQueue {
	_ = parallelism
	return &DummyTaskQueue{nextPid: 1000}
}

// AddTask implements Queue.
func (q *DummyTaskQueue) AddTask(executable string, args []string, taskCtx any) {
	q.pending = append(q.pending, &task{executable: executable, args: args, ctx: taskCtx})
}

// SupportsBufferingOutput implements Queue.
func (q *DummyTaskQueue) SupportsBufferingOutput() bool { return true }

// SupportsParallelExecution implements Queue.
func (q *DummyTaskQueue) SupportsParallelExecution() bool { return true }

// Execute implements Queue. Callbacks run synchronously on the calling
// goroutine, including for tasks added from inside callbacks.
func (q *DummyTaskQueue) Execute(ctx context.Context, began BeganFunc, finished FinishedFunc, signalled SignalledFunc) {
	logger := ctxlog.FromContext(ctx)

	for len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]

		q.nextPid++
		pid := q.nextPid
		logger.Debug("Simulating task.", "executable", t.executable, "pid", pid)

		if began != nil {
			began(pid, t.ctx)
		}
		if finished != nil && finished(pid, 0, "", t.ctx) == StopExecution {
			q.pending = nil
			return
		}
	}
}
