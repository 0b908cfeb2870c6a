// Package diag is the driver's diagnostics sink: the small set of
// user-facing error and warning events this core can raise, reported as
// structured slog records.
package diag

import "log/slog"

// Engine reports driver diagnostics through a structured logger.
type Engine struct {
	logger *slog.Logger
}

// NewEngine returns a diagnostics engine writing through logger.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// CommandFailed reports a non-zero exit from a tool invocation.
func (e *Engine) CommandFailed(toolName string, exitCode int) {
	e.logger.Error("command failed", "tool", toolName, "exit_code", exitCode)
}

// UnableToExecute reports that a command could not be run at all.
func (e *Engine) UnableToExecute(message string) {
	e.logger.Error("unable to execute command", "error", message)
}

// CommandSignalled reports abnormal termination of a tool invocation.
func (e *Engine) CommandSignalled(toolName string) {
	e.logger.Error("command terminated abnormally", "tool", toolName)
}

// ParallelExecutionNotSupported warns that the requested parallelism
// exceeds what the process pool can deliver.
func (e *Engine) ParallelExecutionNotSupported() {
	e.logger.Warn("parallel execution requested but not supported; jobs will run sequentially")
}
