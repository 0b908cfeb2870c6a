// Package driver is the top-level entry point for one build invocation: it
// selects between a single-process fast path and the full scheduler, and
// cleans up temporary artifacts after the run.
package driver

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/vk/buildsched/internal/ctxlog"
	"github.com/vk/buildsched/internal/depgraph"
	"github.com/vk/buildsched/internal/diag"
	"github.com/vk/buildsched/internal/job"
	"github.com/vk/buildsched/internal/sched"
	"github.com/vk/buildsched/internal/taskqueue"
)

// Config gathers everything a Driver needs for one invocation.
type Config struct {
	// Jobs is the job list, in declared order.
	Jobs []*job.Job
	// Parallelism is the maximum number of concurrently running commands.
	Parallelism int
	// Level selects progress reporting.
	Level sched.OutputLevel
	// TempFiles are deleted best-effort after the run.
	TempFiles []string
	// SkipExecution simulates the run without launching processes.
	SkipExecution bool
	// Tracker supplies incremental dependency state.
	Tracker depgraph.Tracker
	// Diags receives driver diagnostics.
	Diags *diag.Engine
	// ErrOut receives progress events and buffered child output.
	ErrOut io.Writer
}

// Driver owns the job list for the lifetime of one invocation.
type Driver struct {
	cfg Config

	// execReplace replaces the current process image; overridable in tests.
	execReplace func(executable string, argv []string) error
}

// New returns a Driver for one invocation.
func New(cfg Config) *Driver {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.ErrOut == nil {
		cfg.ErrOut = os.Stderr
	}
	return &Driver{cfg: cfg, execReplace: execInPlace}
}

// PerformJobs runs the invocation and returns its process exit status:
// 0 on full success, the first non-zero child exit code, or
// sched.SignalledResult on abnormal termination.
func (d *Driver) PerformJobs(ctx context.Context) int {
	logger := ctxlog.FromContext(ctx)

	// Parseable mode needs buffered, structured reporting, so the fast
	// path is out. Dry runs must not exec anything either.
	requiresBufferedOutput := d.cfg.Level == sched.Parseable
	if !requiresBufferedOutput && !d.cfg.SkipExecution {
		if only := onlyCommand(d.cfg.Jobs); only != nil {
			logger.Debug("Single command with no inputs, taking fast path.", "job", only.Name)
			return d.performSingleCommand(ctx, only)
		}
	}

	var queue taskqueue.Queue
	if d.cfg.SkipExecution {
		queue = taskqueue.NewDummy(d.cfg.Parallelism)
	} else {
		queue = taskqueue.New(d.cfg.Parallelism)
	}

	if d.cfg.Parallelism > 1 && !queue.SupportsParallelExecution() {
		d.cfg.Diags.ParallelExecutionNotSupported()
	}

	scheduler := sched.New(queue, d.cfg.Tracker, d.cfg.Diags, d.cfg.Level, d.cfg.ErrOut)
	result := scheduler.Run(ctx, d.cfg.Jobs)

	// Temporaries go away regardless of the result, including after child
	// crashes. Deletion failures are ignored.
	for _, path := range d.cfg.TempFiles {
		_ = os.Remove(path)
	}

	return result
}

// performSingleCommand runs one no-input job directly, replacing the
// current process image when possible and spawning synchronously when not.
func (d *Driver) performSingleCommand(ctx context.Context, cmd *job.Job) int {
	// With no dependency information loaded, CheckDependencies means
	// nothing to do.
	if cmd.Condition == job.CheckDependencies {
		return 0
	}

	if d.cfg.Level == sched.Verbose {
		cmd.PrintCommandLine(d.cfg.ErrOut)
	}

	argv := make([]string, 0, len(cmd.Args)+1)
	argv = append(argv, cmd.Executable)
	argv = append(argv, cmd.Args...)

	// execReplace only returns on failure; fall back to spawn-and-wait and
	// propagate the exact exit code.
	err := d.execReplace(cmd.Executable, argv)
	ctxlog.FromContext(ctx).Debug("Process replacement unavailable, spawning instead.", "error", err)
	return d.spawnAndWait(cmd)
}

// spawnAndWait runs cmd synchronously with inherited stdio.
func (d *Driver) spawnAndWait(cmd *job.Job) int {
	proc := exec.Command(cmd.Executable, cmd.Args...)
	proc.Stdin = os.Stdin
	proc.Stdout = os.Stdout
	proc.Stderr = d.cfg.ErrOut
	proc.Env = os.Environ()

	err := proc.Run()
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		d.cfg.Diags.CommandSignalled(cmd.ToolName())
		return sched.SignalledResult
	}

	d.cfg.Diags.UnableToExecute(err.Error())
	return sched.SignalledResult
}

// onlyCommand returns the job list's sole member if it has exactly one job
// with no inputs, nil otherwise.
func onlyCommand(jobs []*job.Job) *job.Job {
	if len(jobs) != 1 {
		return nil
	}
	if len(jobs[0].Inputs) != 0 {
		return nil
	}
	return jobs[0]
}
