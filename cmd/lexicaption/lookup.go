package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lexicaption/internal/app"
	"github.com/MrWong99/lexicaption/internal/config"
)

func newLookupCmd(opts *rootOptions) *cobra.Command {
	var (
		sentence string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lookup WORD...",
		Short: "Look up a word or phrase and print the entry as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if sentence == "" {
				sentence = text
			}

			log := slog.New(slog.DiscardHandler)
			reg := config.NewRegistry()
			app.RegisterBuiltinBackends(reg, cfg.Enrichment, cfg.Audio.TTSBaseURL)
			file, err := app.KeyFile(cfg.Enrichment)
			if err != nil {
				return err
			}
			e, _, err := app.BuildEnricher(cmd.Context(), reg, cfg.Enrichment, file, log, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			entry, err := e.Enrich(ctx, text, sentence)
			if err != nil {
				return fmt.Errorf("lookup %q: %w", text, err)
			}
			b, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&sentence, "context", "", "sentence the text appears in (default: the text itself)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "bound for the lookup")
	return cmd
}
