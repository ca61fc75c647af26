// Command lexicaption runs the caption dictionary overlay server and manages
// the dictionary API key.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lexicaption/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "lexicaption: %v\n", err)
		return 1
	}
	return 0
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lexicaption",
		Short:         "Click-to-define overlay for video subtitles",
		Long:          "lexicaption turns subtitle lines into clickable words and looks them up with an LLM dictionary backend.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration file (default: $LEXICAPTION_CONFIG, else built-in defaults)")

	root.AddCommand(
		newServeCmd(opts),
		newKeyCmd(opts),
		newLookupCmd(opts),
	)
	return root
}

// path returns the configuration file in effect, or "" for the defaults.
func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv("LEXICAPTION_CONFIG")
}

func (o *rootOptions) load() (*config.Config, error) {
	path := o.path()
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return cfg, err
}

// newLogger returns a logger writing to w whose level follows level.
func newLogger(w io.Writer, level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
