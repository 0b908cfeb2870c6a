package sched

import "github.com/vk/buildsched/internal/job"

// state is the bookkeeping for one scheduling run. It is created fresh per
// Run and mutated only from the submission loop and the serialized pool
// callbacks, so it needs no locking.
type state struct {
	// scheduled holds jobs submitted to the pool or determined unnecessary.
	// A job enters at most once.
	scheduled map[*job.Job]struct{}
	// finished holds jobs that have completed, been skipped, or been
	// determined unnecessary.
	finished map[*job.Job]struct{}
	// blocking maps a not-yet-finished job to the jobs whose readiness
	// waits on it.
	blocking map[*job.Job][]*job.Job
	// deferred holds CheckDependencies jobs whose necessity is still
	// undetermined, in deferral order.
	deferred *deferredSet
	// runEverything is the one-way latch set by a dependency-load failure.
	runEverything bool
	// result is the accumulated run result: 0, the first non-zero exit
	// code, or SignalledResult.
	result int
}

func newState() *state {
	return &state{
		scheduled: make(map[*job.Job]struct{}),
		finished:  make(map[*job.Job]struct{}),
		blocking:  make(map[*job.Job][]*job.Job),
		deferred:  newDeferredSet(),
	}
}

func (st *state) isScheduled(j *job.Job) bool {
	_, ok := st.scheduled[j]
	return ok
}

func (st *state) markScheduled(j *job.Job) {
	st.scheduled[j] = struct{}{}
}

func (st *state) isFinished(j *job.Job) bool {
	_, ok := st.finished[j]
	return ok
}

func (st *state) markFinished(j *job.Job) {
	st.finished[j] = struct{}{}
}

// deferredSet is an insertion-ordered set, so that deferred jobs are
// flushed and skipped deterministically.
type deferredSet struct {
	members map[*job.Job]struct{}
	order   []*job.Job
}

func newDeferredSet() *deferredSet {
	return &deferredSet{members: make(map[*job.Job]struct{})}
}

func (s *deferredSet) add(j *job.Job) {
	if _, ok := s.members[j]; ok {
		return
	}
	s.members[j] = struct{}{}
	s.order = append(s.order, j)
}

func (s *deferredSet) remove(j *job.Job) {
	if _, ok := s.members[j]; !ok {
		return
	}
	delete(s.members, j)
	for i, m := range s.order {
		if m == j {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// take empties the set and returns the members in deferral order.
func (s *deferredSet) take() []*job.Job {
	taken := s.order
	s.order = nil
	s.members = make(map[*job.Job]struct{})
	return taken
}

func (s *deferredSet) len() int { return len(s.members) }
