package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	ucli "github.com/urfave/cli/v3"

	"github.com/islishude/goarchive/internal/cli"
	"github.com/islishude/goarchive/internal/engine"
)

func main() {
	basectx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	exitCode := engine.ExitSuccess
	program := filepath.Base(os.Args[0])
	app := cli.NewApp(program, func(ctx context.Context, opts cli.Options) error {
		logger, err := createLogger(opts.Debug, opts.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		result := engine.New(logger, os.Stdout, os.Stderr).Run(ctx, opts)
		exitCode = result.ExitCode
		return result.Err
	})
	app.ExitErrHandler = func(context.Context, *ucli.Command, error) {}

	if err := app.Run(basectx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", program, err)
		if exitCode == engine.ExitSuccess {
			exitCode = engine.ExitFatal
		}
	}
	cancel()
	os.Exit(exitCode)
}
