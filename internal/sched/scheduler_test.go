package sched

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildsched/internal/depgraph"
	"github.com/vk/buildsched/internal/diag"
	"github.com/vk/buildsched/internal/job"
	"github.com/vk/buildsched/internal/taskqueue"
)

// taskResult scripts the outcome of one job in the fake queue.
type taskResult struct {
	code      int
	signalled bool
	errorMsg  string
	output    string
	// lost simulates a task whose completion event never arrives.
	lost bool
}

type submission struct {
	j       *job.Job
	started bool
	done    bool
}

// fakeQueue drives the scheduler callbacks deterministically. Every task
// present when Execute starts (or added while not stopped) begins
// immediately; completions are delivered in completeOrder if given, else in
// submission order. StopExecution halts new launches but drains started
// tasks, mirroring the real pool.
type fakeQueue struct {
	script        map[string]taskResult
	completeOrder []string
	submitted     []string
	pending       []*submission
	buffering     bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{script: make(map[string]taskResult), buffering: true}
}

func (q *fakeQueue) AddTask(executable string, args []string, taskCtx any) {
	j := taskCtx.(*job.Job)
	q.submitted = append(q.submitted, j.Name)
	q.pending = append(q.pending, &submission{j: j})
}

func (q *fakeQueue) SupportsBufferingOutput() bool   { return q.buffering }
func (q *fakeQueue) SupportsParallelExecution() bool { return true }

func (q *fakeQueue) Execute(ctx context.Context, began taskqueue.BeganFunc, finished taskqueue.FinishedFunc, signalled taskqueue.SignalledFunc) {
	pid := 100
	stopped := false

	start := func() {
		if stopped {
			return
		}
		for _, s := range q.pending {
			if !s.started {
				s.started = true
				pid++
				if began != nil {
					began(pid, s.j)
				}
			}
		}
	}

	next := func() *submission {
		if len(q.completeOrder) > 0 {
			name := q.completeOrder[0]
			for _, s := range q.pending {
				if s.started && !s.done && s.j.Name == name {
					q.completeOrder = q.completeOrder[1:]
					return s
				}
			}
		}
		for _, s := range q.pending {
			if s.started && !s.done {
				return s
			}
		}
		return nil
	}

	start()
	for {
		s := next()
		if s == nil {
			break
		}
		s.done = true

		res := q.script[s.j.Name]
		if res.lost {
			continue
		}

		var resp taskqueue.Response
		if res.signalled {
			resp = signalled(0, res.errorMsg, res.output, s.j)
		} else {
			resp = finished(0, res.code, res.output, s.j)
		}
		if resp == taskqueue.StopExecution {
			stopped = true
		}
		start()
	}
	q.pending = nil
}

// fakeTracker scripts load results per job name; loads default to valid.
type fakeTracker struct {
	loadResults map[string][]depgraph.LoadResult
	dependents  map[string][]*job.Job
	marked      map[string]bool
	loads       []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		loadResults: make(map[string][]depgraph.LoadResult),
		dependents:  make(map[string][]*job.Job),
		marked:      make(map[string]bool),
	}
}

func (t *fakeTracker) Load(j *job.Job, path string) depgraph.LoadResult {
	t.loads = append(t.loads, j.Name)
	queue := t.loadResults[j.Name]
	if len(queue) == 0 {
		return depgraph.LoadValid
	}
	res := queue[0]
	t.loadResults[j.Name] = queue[1:]
	return res
}

func (t *fakeTracker) MarkIntransitive(j *job.Job) { t.marked[j.Name] = true }
func (t *fakeTracker) IsMarked(j *job.Job) bool    { return t.marked[j.Name] }

func (t *fakeTracker) MarkTransitive(j *job.Job) []*job.Job {
	t.marked[j.Name] = true
	deps := t.dependents[j.Name]
	for _, d := range deps {
		t.marked[d.Name] = true
	}
	return deps
}

func newJob(name string, inputs ...*job.Job) *job.Job {
	return &job.Job{
		Name:       name,
		Executable: "/usr/bin/" + name,
		Inputs:     inputs,
		Condition:  job.Always,
	}
}

func newCheckedJob(name string, inputs ...*job.Job) *job.Job {
	j := newJob(name, inputs...)
	j.Condition = job.CheckDependencies
	j.Outputs = map[job.ArtifactKind]string{job.ArtifactDeps: name + ".deps.yaml"}
	return j
}

type harness struct {
	queue   *fakeQueue
	tracker *fakeTracker
	logBuf  *bytes.Buffer
	errOut  *bytes.Buffer
	sched   *Scheduler
}

func newHarness(level OutputLevel) *harness {
	h := &harness{
		queue:   newFakeQueue(),
		tracker: newFakeTracker(),
		logBuf:  &bytes.Buffer{},
		errOut:  &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logBuf, nil))
	h.sched = New(h.queue, h.tracker, diag.NewEngine(logger), level, h.errOut)
	return h
}

func TestRunChainInOrder(t *testing.T) {
	a := newJob("a")
	b := newJob("b", a)
	c := newJob("c", b)

	h := newHarness(Normal)
	result := h.sched.Run(context.Background(), []*job.Job{a, b, c})

	assert.Equal(t, 0, result)
	assert.Equal(t, []string{"a", "b", "c"}, h.queue.submitted)
}

func TestRunHandlesNonTopologicalJobList(t *testing.T) {
	a := newJob("a")
	b := newJob("b", a)
	c := newJob("c", b)

	h := newHarness(Normal)
	// Declared order is reversed; producers must still be considered first.
	result := h.sched.Run(context.Background(), []*job.Job{c, b, a})

	assert.Equal(t, 0, result)
	assert.Equal(t, []string{"a", "b", "c"}, h.queue.submitted)
}

func TestDiamondSubmitsEachJobOnce(t *testing.T) {
	a := newJob("a")
	b := newJob("b", a)
	c := newJob("c", a)
	d := newJob("d", b, c)

	h := newHarness(Normal)
	result := h.sched.Run(context.Background(), []*job.Job{a, b, c, d})

	assert.Equal(t, 0, result)
	counts := make(map[string]int)
	for _, name := range h.queue.submitted {
		counts[name]++
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, counts[name], "job %s", name)
	}
}

func TestDeferredJobIsSkipped(t *testing.T) {
	a := newJob("a")
	x := newCheckedJob("x")

	h := newHarness(Parseable)
	result := h.sched.Run(context.Background(), []*job.Job{a, x})

	assert.Equal(t, 0, result)
	assert.Equal(t, []string{"a"}, h.queue.submitted)
	assert.Contains(t, h.errOut.String(), `"kind":"skipped"`)
}

func TestScanLoadErrorSchedulesEverything(t *testing.T) {
	a := newJob("a")
	a.Outputs = map[job.ArtifactKind]string{job.ArtifactDeps: "a.deps.yaml"}
	x := newCheckedJob("x")
	y := newCheckedJob("y")

	h := newHarness(Normal)
	h.tracker.loadResults["a"] = []depgraph.LoadResult{depgraph.LoadError}
	result := h.sched.Run(context.Background(), []*job.Job{a, x, y})

	assert.Equal(t, 0, result)
	assert.ElementsMatch(t, []string{"a", "x", "y"}, h.queue.submitted)
}

func TestScanLoadErrorFlushesEarlierDeferred(t *testing.T) {
	x := newCheckedJob("x")
	b := newJob("b")
	b.Outputs = map[job.ArtifactKind]string{job.ArtifactDeps: "b.deps.yaml"}

	h := newHarness(Normal)
	h.tracker.loadResults["b"] = []depgraph.LoadResult{depgraph.LoadError}
	result := h.sched.Run(context.Background(), []*job.Job{x, b})

	assert.Equal(t, 0, result)
	assert.ElementsMatch(t, []string{"b", "x"}, h.queue.submitted)
}

func TestReloadErrorFlushesDeferred(t *testing.T) {
	a := newJob("a")
	a.Outputs = map[job.ArtifactKind]string{job.ArtifactDeps: "a.deps.yaml"}
	x := newCheckedJob("x")

	h := newHarness(Normal)
	// Valid at scan time, unreadable when reloaded after a finishes.
	h.tracker.loadResults["a"] = []depgraph.LoadResult{depgraph.LoadValid, depgraph.LoadError}
	result := h.sched.Run(context.Background(), []*job.Job{a, x})

	assert.Equal(t, 0, result)
	assert.Equal(t, []string{"a", "x"}, h.queue.submitted)
}

func TestTransitiveDependentsRescheduled(t *testing.T) {
	a := newJob("a")
	a.Outputs = map[job.ArtifactKind]string{job.ArtifactDeps: "a.deps.yaml"}
	x := newCheckedJob("x")

	h := newHarness(Normal)
	// a is marked intransitive during the scan, so its reload consults the
	// transitive dependent set, which names x.
	h.tracker.dependents["a"] = []*job.Job{x}
	result := h.sched.Run(context.Background(), []*job.Job{a, x})

	assert.Equal(t, 0, result)
	assert.Equal(t, []string{"a", "x"}, h.queue.submitted)
}

func TestFirstFailureWins(t *testing.T) {
	y := newJob("y")
	z := newJob("z")

	h := newHarness(Normal)
	h.queue.script["y"] = taskResult{code: 2}
	h.queue.script["z"] = taskResult{code: 3}
	h.queue.completeOrder = []string{"y", "z"}
	result := h.sched.Run(context.Background(), []*job.Job{y, z})

	assert.Equal(t, 2, result)
	assert.Contains(t, h.logBuf.String(), "command failed")
}

func TestFailureStopsFurtherSubmissions(t *testing.T) {
	a := newJob("a")
	b := newJob("b", a)

	h := newHarness(Normal)
	h.queue.script["a"] = taskResult{code: 1}
	result := h.sched.Run(context.Background(), []*job.Job{a, b})

	assert.Equal(t, 1, result)
	assert.Equal(t, []string{"a"}, h.queue.submitted)
}

func TestGoodDiagnosticsSuppressesGenericFailure(t *testing.T) {
	tool := &job.Tool{Name: "frontend", GoodDiagnostics: true}
	a := newJob("a")
	a.Creator = tool

	h := newHarness(Normal)
	h.queue.script["a"] = taskResult{code: 1}
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, 1, result)
	assert.NotContains(t, h.logBuf.String(), "command failed")
}

func TestGoodDiagnosticsStillReportsUnusualCode(t *testing.T) {
	tool := &job.Tool{Name: "frontend", GoodDiagnostics: true}
	a := newJob("a")
	a.Creator = tool

	h := newHarness(Normal)
	h.queue.script["a"] = taskResult{code: 70}
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, 70, result)
	assert.Contains(t, h.logBuf.String(), "command failed")
}

func TestSignalledTask(t *testing.T) {
	a := newJob("a")

	h := newHarness(Normal)
	h.queue.script["a"] = taskResult{signalled: true, errorMsg: "signal: killed"}
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, SignalledResult, result)
	assert.Contains(t, h.logBuf.String(), "unable to execute")
	assert.Contains(t, h.logBuf.String(), "terminated abnormally")
}

func TestSignalDoesNotOverwriteEarlierFailure(t *testing.T) {
	y := newJob("y")
	z := newJob("z")

	h := newHarness(Normal)
	h.queue.script["y"] = taskResult{code: 2}
	h.queue.script["z"] = taskResult{signalled: true}
	h.queue.completeOrder = []string{"y", "z"}
	result := h.sched.Run(context.Background(), []*job.Job{y, z})

	assert.Equal(t, 2, result)
}

func TestBufferedOutputEchoed(t *testing.T) {
	a := newJob("a")

	h := newHarness(Normal)
	h.queue.script["a"] = taskResult{output: "warning: shadowed variable\n"}
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, 0, result)
	assert.Equal(t, "warning: shadowed variable\n", h.errOut.String())
}

func TestVerboseEchoesCommandLine(t *testing.T) {
	a := newJob("a")
	a.Args = []string{"-c", "main.c"}

	h := newHarness(Verbose)
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, 0, result)
	assert.Contains(t, h.errOut.String(), "/usr/bin/a -c main.c")
}

func TestParseableEventsEmitted(t *testing.T) {
	a := newJob("a")

	h := newHarness(Parseable)
	h.queue.script["a"] = taskResult{output: "out"}
	result := h.sched.Run(context.Background(), []*job.Job{a})

	assert.Equal(t, 0, result)
	lines := strings.Split(strings.TrimSpace(h.errOut.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"began"`)
	assert.Contains(t, lines[1], `"kind":"finished"`)
	assert.Contains(t, lines[1], `"output":"out"`)
}

func TestScheduleIsIdempotent(t *testing.T) {
	a := newJob("a")

	h := newHarness(Normal)
	st := newState()
	h.sched.schedule(st, a)
	h.sched.schedule(st, a)

	assert.Equal(t, []string{"a"}, h.queue.submitted)
}

func TestScheduleBlocksOnFirstUnfinishedInput(t *testing.T) {
	a := newJob("a")
	b := newJob("b")
	c := newJob("c", a, b)

	h := newHarness(Normal)
	st := newState()
	h.sched.schedule(st, c)

	assert.Empty(t, h.queue.submitted)
	require.Len(t, st.blocking[a], 1)
	assert.Empty(t, st.blocking[b])
}

func TestCleanRunWithBlockingLeftoverPanics(t *testing.T) {
	a := newJob("a")
	b := newJob("b", a)

	h := newHarness(Normal)
	// a's completion event is lost, so b stays blocked while the run ends
	// cleanly. That is a scheduling bug and must trip the assertion.
	h.queue.script["a"] = taskResult{lost: true}

	require.Panics(t, func() {
		h.sched.Run(context.Background(), []*job.Job{a, b})
	})
}
