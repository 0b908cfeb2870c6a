// Package job defines the immutable description of one unit of build work:
// an external tool invocation with declared inputs and output artifacts.
package job

import (
	"fmt"
	"io"
	"strings"
)

// Tool identifies the tool that created a job. It is used only for
// diagnostics.
type Tool struct {
	// Name is the tool name as shown in diagnostics.
	Name string
	// GoodDiagnostics reports whether the tool emits its own diagnostics on
	// failure, in which case the driver suppresses its generic
	// command-failed message for the generic exit code.
	GoodDiagnostics bool
}

// Condition is the per-job execution policy.
type Condition int

const (
	// Always means the job must run unconditionally.
	Always Condition = iota
	// CheckDependencies means the job runs only if the incremental
	// dependency check shows it is needed.
	CheckDependencies
)

// String implements fmt.Stringer.
func (c Condition) String() string {
	switch c {
	case Always:
		return "always"
	case CheckDependencies:
		return "check-dependencies"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// ParseCondition converts a manifest condition string into a Condition.
func ParseCondition(s string) (Condition, error) {
	switch s {
	case "", "always":
		return Always, nil
	case "check-dependencies":
		return CheckDependencies, nil
	default:
		return Always, fmt.Errorf("unknown condition %q", s)
	}
}

// ArtifactKind names an output artifact slot of a job.
type ArtifactKind string

// ArtifactDeps is the reserved artifact kind identifying a job's
// dependency-tracking artifact.
const ArtifactDeps ArtifactKind = "deps"

// Job is one external-tool invocation node in the build DAG. Jobs are
// immutable after manifest load; the scheduler never mutates one.
type Job struct {
	// Name is the manifest-level identifier, used in logs and events.
	Name string
	// Executable is the path of the program to run.
	Executable string
	// Args is the argument vector, not including the executable itself.
	Args []string
	// Inputs are the producers of data this job consumes, in declared
	// order. The job may not run before every input has finished.
	Inputs []*Job
	// Condition is the declared execution condition.
	Condition Condition
	// Outputs maps artifact kinds to filesystem paths.
	Outputs map[ArtifactKind]string
	// Creator is the tool that produced this job.
	Creator *Tool
}

// DependenciesPath returns the path of the job's dependency artifact, or ""
// if the job does not produce one.
func (j *Job) DependenciesPath() string {
	return j.Outputs[ArtifactDeps]
}

// CommandLine renders the invocation as a single shell-style line.
func (j *Job) CommandLine() string {
	parts := make([]string, 0, len(j.Args)+1)
	parts = append(parts, j.Executable)
	parts = append(parts, j.Args...)
	return strings.Join(parts, " ")
}

// PrintCommandLine echoes the invocation to w, one line.
func (j *Job) PrintCommandLine(w io.Writer) {
	fmt.Fprintln(w, j.CommandLine())
}

// ToolName returns the creating tool's diagnostic name, or the job name if
// the creator is unknown.
func (j *Job) ToolName() string {
	if j.Creator != nil {
		return j.Creator.Name
	}
	return j.Name
}
