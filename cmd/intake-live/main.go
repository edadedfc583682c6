package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vango-go/intake-live/internal/dotenv"
	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/config"
)

type appDeps struct {
	loadConfig   func(path string) (config.Config, error)
	newGateway   func(ctx context.Context, cfg config.Config, logger *slog.Logger) (gateway, error)
	migrate      func(ctx context.Context, databaseURL string, logger *slog.Logger) error
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newGateway: buildGateway,
		migrate:    archive.Migrate,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type rootFlags struct {
	configPath string
	logJSON    bool
	verbose    bool
}

func (f *rootFlags) logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if f.verbose {
		opts.Level = slog.LevelDebug
	}
	if f.logJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "intake-live",
		Short: "Real-time clinical intake gateway",
		Long: `intake-live bridges a browser microphone to a live speech model that
asks the most important unanswered intake questions and records the
answers as structured data.

Configuration comes from an optional YAML file (--config or
INTAKE_CONFIG_FILE) overlaid with INTAKE_* environment variables.
A .env file in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.BoolVar(&flags.logJSON, "log-json", false, "emit JSON logs")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(deps, flags, stderr),
		newQuestionsCmd(deps, flags, stdout),
		newMigrateCmd(deps, flags, stderr),
	)
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "intake-live: %v\n", err)
		return 1
	}

	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "intake-live: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppDeps()))
}
