// Package depgraph tracks per-job incremental dependency state.
//
// Each artifact-producing job writes a small YAML dependency artifact
// listing the names it provides and the names it depends on. The tracker
// loads those artifacts into an in-memory graph and answers which jobs are
// transitively affected when a given job's output changes.
//
// All methods are called from the scheduler's serialized callback region,
// so the graph needs no internal locking.
package depgraph

import (
	"github.com/vk/buildsched/internal/job"
)

// LoadResult is the outcome of loading a job's dependency artifact.
type LoadResult int

const (
	// LoadValid means the artifact was read and recorded.
	LoadValid LoadResult = iota
	// LoadError means the artifact is missing or malformed; the caller must
	// fall back to running everything.
	LoadError
)

// Tracker is the dependency-state interface consumed by the scheduler.
type Tracker interface {
	// Load reads the dependency artifact at path and records it for j.
	// Reloading replaces any previous record for j.
	Load(j *job.Job, path string) LoadResult
	// MarkIntransitive marks j without propagating to its dependents.
	MarkIntransitive(j *job.Job)
	// IsMarked reports whether j has been marked, transitively or not.
	IsMarked(j *job.Job) bool
	// MarkTransitive marks j and every job transitively depending on one of
	// its provided names, returning the newly marked dependents in
	// registration order.
	MarkTransitive(j *job.Job) []*job.Job
}

// record is one job's loaded dependency information.
type record struct {
	provides map[string]struct{}
	depends  map[string]struct{}
}

// Graph is the concrete Tracker.
type Graph struct {
	records map[*job.Job]*record
	marked  map[*job.Job]struct{}
	// order preserves registration order so dependent sets come out
	// deterministically.
	order []*job.Job
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		records: make(map[*job.Job]*record),
		marked:  make(map[*job.Job]struct{}),
	}
}

// Load implements Tracker.
func (g *Graph) Load(j *job.Job, path string) LoadResult {
	art, err := readArtifact(path)
	if err != nil {
		return LoadError
	}

	rec, tracked := g.records[j]
	if !tracked {
		rec = &record{}
		g.records[j] = rec
		g.order = append(g.order, j)
	}
	rec.provides = toSet(art.Provides)
	rec.depends = toSet(art.Depends)
	return LoadValid
}

// IsTracked reports whether j has a loaded record.
func (g *Graph) IsTracked(j *job.Job) bool {
	_, ok := g.records[j]
	return ok
}

// MarkIntransitive implements Tracker.
func (g *Graph) MarkIntransitive(j *job.Job) {
	g.marked[j] = struct{}{}
}

// IsMarked implements Tracker.
func (g *Graph) IsMarked(j *job.Job) bool {
	_, ok := g.marked[j]
	return ok
}

// MarkTransitive implements Tracker. The traversal follows provides→depends
// edges breadth first; already-marked jobs stop propagation since their
// dependents were reached when they were marked.
func (g *Graph) MarkTransitive(j *job.Job) []*job.Job {
	var newlyMarked []*job.Job

	worklist := []*job.Job{j}
	g.marked[j] = struct{}{}

	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		for _, dependent := range g.dependentsOf(current) {
			if g.IsMarked(dependent) {
				continue
			}
			g.marked[dependent] = struct{}{}
			newlyMarked = append(newlyMarked, dependent)
			worklist = append(worklist, dependent)
		}
	}

	return newlyMarked
}

// dependentsOf returns the jobs whose depends set intersects j's provides
// set, in registration order.
func (g *Graph) dependentsOf(j *job.Job) []*job.Job {
	rec, ok := g.records[j]
	if !ok {
		return nil
	}

	var dependents []*job.Job
	for _, other := range g.order {
		if other == j {
			continue
		}
		if intersects(g.records[other].depends, rec.provides) {
			dependents = append(dependents, other)
		}
	}
	return dependents
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for n := range a {
		if _, ok := b[n]; ok {
			return true
		}
	}
	return false
}
