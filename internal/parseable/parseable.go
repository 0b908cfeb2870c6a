// Package parseable emits machine-readable build progress events, one JSON
// object per line, for consumers that track job lifecycles (editors, build
// UIs). This is protocol output on the error stream, distinct from logging.
package parseable

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vk/buildsched/internal/job"
)

// message is the wire shape shared by all event kinds. Fields irrelevant to
// a kind are omitted.
type message struct {
	Kind     string   `json:"kind"`
	Name     string   `json:"name"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Pid      int      `json:"pid,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Error    string   `json:"error,omitempty"`
	Output   string   `json:"output,omitempty"`
}

// EmitBeganMessage reports that j's process started under pid.
func EmitBeganMessage(w io.Writer, j *job.Job, pid int) {
	emit(w, message{
		Kind:    "began",
		Name:    j.ToolName(),
		Command: j.Executable,
		Args:    j.Args,
		Pid:     pid,
	})
}

// EmitFinishedMessage reports that j's process exited with returnCode.
func EmitFinishedMessage(w io.Writer, j *job.Job, pid, returnCode int, output string) {
	emit(w, message{
		Kind:     "finished",
		Name:     j.ToolName(),
		Pid:      pid,
		ExitCode: &returnCode,
		Output:   output,
	})
}

// EmitSignalledMessage reports that j's process terminated abnormally.
func EmitSignalledMessage(w io.Writer, j *job.Job, pid int, errorMsg, output string) {
	emit(w, message{
		Kind:   "signalled",
		Name:   j.ToolName(),
		Pid:    pid,
		Error:  errorMsg,
		Output: output,
	})
}

// EmitSkippedMessage reports that j was determined unnecessary and never ran.
func EmitSkippedMessage(w io.Writer, j *job.Job) {
	emit(w, message{
		Kind:    "skipped",
		Name:    j.ToolName(),
		Command: j.Executable,
		Args:    j.Args,
	})
}

func emit(w io.Writer, m message) {
	data, err := json.Marshal(m)
	if err != nil {
		// message contains only plain strings and ints; Marshal cannot fail.
		panic(fmt.Sprintf("parseable: marshal failed: %v", err))
	}
	fmt.Fprintf(w, "%s\n", data)
}
