package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/buildsched/internal/app"
	"github.com/vk/buildsched/internal/cli"
)

// main is the entrypoint for the buildsched driver. The process exit
// status is the build result: 0 on success, the first failing command's
// exit code, or 254 when a command died abnormally.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	result, err := run(os.Stderr, os.Args[1:])
	if err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitStatus(result))
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(errW io.Writer, args []string) (int, error) {
	config, shouldExit, err := cli.Parse(args, errW)
	if err != nil {
		return 0, err
	}
	if shouldExit {
		return 0, nil
	}

	a := app.NewApp(errW, config)
	return a.Run(context.Background())
}

// exitStatus maps a scheduling result onto a valid process exit status.
// The abnormal-termination sentinel is negative and cannot be passed to
// os.Exit as-is.
func exitStatus(result int) int {
	if result < 0 {
		return 254
	}
	return result
}
