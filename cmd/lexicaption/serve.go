package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/lexicaption/internal/app"
	"github.com/MrWong99/lexicaption/internal/config"
	"github.com/MrWong99/lexicaption/internal/observe"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the overlay server",
		Long: "Serve the host bridge on /ws together with /healthz, /readyz and /metrics.\n" +
			"When a config file is used it is watched: log level and debounce timings apply live.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, stdout, stderr io.Writer) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	log := newLogger(stderr, level, cfg.Server.LogFormat)
	slog.SetDefault(log)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lexicaption",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			log.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	printStartupSummary(stdout, cfg, opts.path())

	application, err := app.New(ctx, cfg,
		app.WithLogger(log),
		app.WithLevel(level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if path := opts.path(); path != "" {
		w, err := config.NewWatcher(path, config.WithWatchLogger(log))
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		go func() { _ = w.Run(ctx, application.Reload) }()
	}

	log.Info("lexicaption ready, press Ctrl+C to shut down", "version", version)
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("goodbye")
	return nil
}

func printStartupSummary(w io.Writer, cfg *config.Config, path string) {
	if path == "" {
		path = "(defaults)"
	}
	backend := cfg.Enrichment.Name
	if m := cfg.Enrichment.Model; m != "" {
		backend += "/" + m
	}
	fallbacks := make([]string, 0, len(cfg.Enrichment.Fallbacks))
	for _, f := range cfg.Enrichment.Fallbacks {
		fallbacks = append(fallbacks, f.Name)
	}
	audio := "enabled"
	if cfg.Audio.Disabled {
		audio = "(disabled)"
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║        lexicaption startup summary        ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════╣")
	row(w, "Config", path)
	row(w, "Listen", cfg.Server.ListenAddr)
	row(w, "Backend", backend)
	if len(fallbacks) > 0 {
		row(w, "Fallbacks", strings.Join(fallbacks, ", "))
	}
	row(w, "Audio", audio)
	row(w, "Log", fmt.Sprintf("%s/%s", cfg.Server.LogLevel, cfg.Server.LogFormat))
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
}

func row(w io.Writer, label, value string) {
	if len(value) > 27 {
		value = value[:26] + "…"
	}
	fmt.Fprintf(w, "║  %-10s : %-27s ║\n", label, value)
}
