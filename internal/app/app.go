// Package app contains the core application logic: the App struct, its
// configuration, and the build invocation lifecycle, decoupled from any
// specific entrypoint.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/buildsched/internal/ctxlog"
	"github.com/vk/buildsched/internal/depgraph"
	"github.com/vk/buildsched/internal/diag"
	"github.com/vk/buildsched/internal/driver"
	"github.com/vk/buildsched/internal/manifest"
	"github.com/vk/buildsched/internal/sched"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle for one build invocation.
type App struct {
	errW   io.Writer
	logger *slog.Logger
	config *Config
}

// NewApp is the constructor for the main application. Progress events and
// child output go to errW, as does logging.
func NewApp(errW io.Writer, config *Config) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, errW)
	return &App{
		errW:   errW,
		logger: logger,
		config: config,
	}
}

// Run loads the manifest and performs its jobs. The int is the process
// exit status of the build (0, first failing exit code, or the signal
// sentinel); a non-nil error means the invocation could not start at all.
func (a *App) Run(ctx context.Context) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	m, err := manifest.Load(ctx, a.config.ManifestPath)
	if err != nil {
		return 0, fmt.Errorf("failed to load manifest: %w", err)
	}
	a.logger.Debug("Manifest loaded.", "job_count", len(m.Jobs))

	level, err := outputLevel(a.config.OutputLevel)
	if err != nil {
		return 0, err
	}

	d := driver.New(driver.Config{
		Jobs:          m.Jobs,
		Parallelism:   a.config.Parallelism,
		Level:         level,
		TempFiles:     m.TempFiles,
		SkipExecution: a.config.DryRun,
		Tracker:       depgraph.New(),
		Diags:         diag.NewEngine(a.logger),
		ErrOut:        a.errW,
	})

	result := d.PerformJobs(ctx)
	a.logger.Debug("App.Run method finished.", "result", result)
	return result, nil
}

func outputLevel(s string) (sched.OutputLevel, error) {
	switch s {
	case "", "normal":
		return sched.Normal, nil
	case "verbose":
		return sched.Verbose, nil
	case "parseable":
		return sched.Parseable, nil
	default:
		return sched.Normal, fmt.Errorf("invalid output level %q", s)
	}
}
