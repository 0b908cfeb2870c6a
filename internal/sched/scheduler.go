// Package sched is the incremental-build scheduling core: it walks a job
// list in declared order, decides which jobs must run, submits runnable
// jobs to the process pool, and reprioritizes remaining work inside the
// pool's completion callbacks as per-job dependency information becomes
// available.
package sched

import (
	"context"
	"fmt"
	"io"

	"github.com/vk/buildsched/internal/ctxlog"
	"github.com/vk/buildsched/internal/depgraph"
	"github.com/vk/buildsched/internal/diag"
	"github.com/vk/buildsched/internal/job"
	"github.com/vk/buildsched/internal/parseable"
	"github.com/vk/buildsched/internal/taskqueue"
)

// OutputLevel selects how job lifecycle transitions are reported.
type OutputLevel int

const (
	// Normal echoes captured output only.
	Normal OutputLevel = iota
	// Verbose additionally echoes each command line as it begins.
	Verbose
	// Parseable emits one structured JSON event per transition.
	Parseable
)

// SignalledResult is the run result when any command terminated abnormally.
const SignalledResult = -2

// Scheduler drives one scheduling run over a job list.
type Scheduler struct {
	queue   taskqueue.Queue
	tracker depgraph.Tracker
	diags   *diag.Engine
	level   OutputLevel
	errOut  io.Writer
}

// New returns a Scheduler submitting to queue and consulting tracker for
// incremental decisions. Progress output and buffered child output go to
// errOut.
func New(queue taskqueue.Queue, tracker depgraph.Tracker, diags *diag.Engine, level OutputLevel, errOut io.Writer) *Scheduler {
	return &Scheduler{
		queue:   queue,
		tracker: tracker,
		diags:   diags,
		level:   level,
		errOut:  errOut,
	}
}

// Run schedules and executes jobs, honoring declared input order, per-job
// conditions, and dependency information loaded as jobs finish. It returns
// 0 on full success, the first non-zero child exit code on command failure,
// or SignalledResult on abnormal termination.
func (s *Scheduler) Run(ctx context.Context, jobs []*job.Job) int {
	logger := ctxlog.FromContext(ctx)
	st := newState()

	// Resolve each job's condition once, producers before consumers. This
	// holds even when the declared list is not a full topological sort.
	for _, cmd := range scanOrder(jobs) {
		if st.runEverything {
			s.schedule(st, cmd)
			continue
		}

		// A job with no dependency artifact always runs but affects nothing
		// else. A job whose artifact cannot be loaded forces everything to
		// run.
		condition := job.Always
		depsPath := cmd.DependenciesPath()
		if depsPath != "" {
			switch s.tracker.Load(cmd, depsPath) {
			case depgraph.LoadError:
				logger.Debug("Dependency artifact unreadable, scheduling everything.", "job", cmd.Name, "path", depsPath)
				st.runEverything = true
			case depgraph.LoadValid:
				condition = cmd.Condition
			}
		}

		switch condition {
		case job.Always:
			s.schedule(st, cmd)
			if !st.runEverything && depsPath != "" {
				s.tracker.MarkIntransitive(cmd)
			}
		case job.CheckDependencies:
			logger.Debug("Deferring job pending dependency check.", "job", cmd.Name)
			st.deferred.add(cmd)
		}
	}

	if st.runEverything {
		for _, cmd := range st.deferred.take() {
			s.schedule(st, cmd)
		}
	}

	s.queue.Execute(ctx,
		func(pid int, taskCtx any) {
			s.taskBegan(taskCtx.(*job.Job), pid)
		},
		func(pid, returnCode int, output string, taskCtx any) taskqueue.Response {
			return s.taskFinished(ctx, st, taskCtx.(*job.Job), pid, returnCode, output)
		},
		func(pid int, errorMsg, output string, taskCtx any) taskqueue.Response {
			return s.taskSignalled(st, taskCtx.(*job.Job), pid, errorMsg, output)
		},
	)

	// Whatever is still deferred after the pool drained was never needed.
	// It is accounted as scheduled and finished so the invariants hold.
	for _, cmd := range st.deferred.take() {
		logger.Debug("Job skipped.", "job", cmd.Name)
		if s.level == Parseable {
			parseable.EmitSkippedMessage(s.errOut, cmd)
		}
		st.markScheduled(cmd)
		st.markFinished(cmd)
	}

	if st.result == 0 && len(st.blocking) != 0 {
		panic(fmt.Sprintf("sched: %d blocking entries remain after a clean run", len(st.blocking)))
	}

	return st.result
}

// schedule submits cmd if it has not been scheduled and every input has
// finished. Otherwise it records cmd against its first unfinished input,
// to be retried when that input completes. Calling it again for an
// already-scheduled job is a no-op.
func (s *Scheduler) schedule(st *state, cmd *job.Job) {
	if st.isScheduled(cmd) {
		return
	}

	for _, input := range cmd.Inputs {
		if !st.isFinished(input) {
			st.blocking[input] = append(st.blocking[input], cmd)
			return
		}
	}

	st.markScheduled(cmd)
	s.queue.AddTask(cmd.Executable, cmd.Args, cmd)
}

// taskBegan reports a started process. Side effect only, no state change.
func (s *Scheduler) taskBegan(cmd *job.Job, pid int) {
	switch s.level {
	case Verbose:
		cmd.PrintCommandLine(s.errOut)
	case Parseable:
		parseable.EmitBeganMessage(s.errOut, cmd, pid)
	}
}

// taskFinished handles a normal exit: it records failure results, or marks
// the job finished, unblocks its dependents, and reconciles dependency
// state from the job's freshly written artifact.
func (s *Scheduler) taskFinished(ctx context.Context, st *state, cmd *job.Job, pid, returnCode int, output string) taskqueue.Response {
	logger := ctxlog.FromContext(ctx)

	if s.level == Parseable {
		parseable.EmitFinishedMessage(s.errOut, cmd, pid, returnCode, output)
	} else if s.queue.SupportsBufferingOutput() {
		io.WriteString(s.errOut, output)
	}

	if returnCode != 0 {
		// First failure wins; later in-flight failures are observed but do
		// not overwrite the recorded result.
		if st.result == 0 {
			st.result = returnCode
		}
		if cmd.Creator == nil || !cmd.Creator.GoodDiagnostics || returnCode != 1 {
			s.diags.CommandFailed(cmd.ToolName(), returnCode)
		}
		return taskqueue.StopExecution
	}

	st.markFinished(cmd)

	if blocked, ok := st.blocking[cmd]; ok {
		delete(st.blocking, cmd)
		for _, b := range blocked {
			s.schedule(st, b)
		}
	}

	// Reload the dependency artifact to pick up dependencies that appeared
	// or disappeared during this run.
	if !st.runEverything {
		if depsPath := cmd.DependenciesPath(); depsPath != "" {
			var dependents []*job.Job
			wasMarked := s.tracker.IsMarked(cmd)

			switch s.tracker.Load(cmd, depsPath) {
			case depgraph.LoadError:
				logger.Debug("Dependency artifact reload failed, scheduling everything.", "job", cmd.Name)
				st.runEverything = true
				for _, d := range st.deferred.take() {
					s.schedule(st, d)
				}
			case depgraph.LoadValid:
				if wasMarked {
					dependents = s.tracker.MarkTransitive(cmd)
				}
			}

			for _, d := range dependents {
				st.deferred.remove(d)
				s.schedule(st, d)
			}
		}
	}

	return taskqueue.ContinueExecution
}

// taskSignalled handles abnormal termination: diagnose, record the signal
// sentinel, and stop launching further tasks.
func (s *Scheduler) taskSignalled(st *state, cmd *job.Job, pid int, errorMsg, output string) taskqueue.Response {
	if s.level == Parseable {
		parseable.EmitSignalledMessage(s.errOut, cmd, pid, errorMsg, output)
	} else if s.queue.SupportsBufferingOutput() {
		io.WriteString(s.errOut, output)
	}

	if errorMsg != "" {
		s.diags.UnableToExecute(errorMsg)
	}
	s.diags.CommandSignalled(cmd.ToolName())

	if st.result == 0 {
		st.result = SignalledResult
	}

	return taskqueue.StopExecution
}

// scanOrder flattens the job list into condition-resolution order: each
// job's transitive inputs come before the job itself, and top-level order
// is otherwise preserved. The traversal uses an explicit stack so deep
// input chains cannot overflow the goroutine stack.
func scanOrder(jobs []*job.Job) []*job.Job {
	var order []*job.Job
	emitted := make(map[*job.Job]bool)

	type frame struct {
		cmd      *job.Job
		expanded bool
	}

	for _, root := range jobs {
		stack := []frame{{cmd: root}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if f.expanded {
				if !emitted[f.cmd] {
					emitted[f.cmd] = true
					order = append(order, f.cmd)
				}
				continue
			}
			if emitted[f.cmd] {
				continue
			}

			stack = append(stack, frame{cmd: f.cmd, expanded: true})
			for i := len(f.cmd.Inputs) - 1; i >= 0; i-- {
				if !emitted[f.cmd.Inputs[i]] {
					stack = append(stack, frame{cmd: f.cmd.Inputs[i]})
				}
			}
		}
	}

	return order
}
