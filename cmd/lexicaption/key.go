package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lexicaption/internal/app"
	"github.com/MrWong99/lexicaption/internal/config"
	"github.com/MrWong99/lexicaption/internal/credential"
	"github.com/MrWong99/lexicaption/pkg/enrich"
)

func newKeyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the dictionary API key",
		Long: "The key is read from enrichment.api_key, then the backend's environment variable,\n" +
			"then the key file managed by these commands.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [KEY]",
			Short: "Store the API key (reads one line from stdin when KEY is omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f, _, err := keyFile(opts)
				if err != nil {
					return err
				}
				key, err := keyArg(cmd, args)
				if err != nil {
					return err
				}
				if err := f.Set(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key %s saved to %s\n", credential.Mask(strings.TrimSpace(key)), f.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the masked key in effect and where it comes from",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				f, cfg, err := keyFile(opts)
				if err != nil {
					return err
				}
				if !config.NeedsKey(cfg.Enrichment.Name) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s needs no key\n", cfg.Enrichment.Name)
					return nil
				}
				key, source, err := effectiveKey(cmd.Context(), cfg.Enrichment.ProviderEntry, f)
				if err != nil {
					return err
				}
				if key == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "no key set for %s\n", cfg.Enrichment.Name)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (from %s)\n", credential.Mask(key), source)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				f, _, err := keyFile(opts)
				if err != nil {
					return err
				}
				if err := f.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key removed from %s\n", f.Path())
				return nil
			},
		},
		newKeyTestCmd(opts),
	)
	return cmd
}

func newKeyTestCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a live test lookup against the primary backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, cfg, err := keyFile(opts)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			app.RegisterBuiltinBackends(reg, cfg.Enrichment, cfg.Audio.TTSBaseURL)
			b, err := app.BuildBackend(cmd.Context(), reg, cfg.Enrichment.ProviderEntry, f)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := enrich.Probe(ctx, b.Enricher); err != nil {
				return fmt.Errorf("test lookup via %s failed (%s): %w", b.Name, enrich.Kind(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", b.Name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "bound for the test lookup")
	return cmd
}

// keyFile returns the key store named by the configuration.
func keyFile(opts *rootOptions) (*credential.File, *config.Config, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	f, err := app.KeyFile(cfg.Enrichment)
	if err != nil {
		return nil, nil, err
	}
	return f, cfg, nil
}

func keyArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return "", errors.New("key must not be empty")
	}
	return line, nil
}

// effectiveKey walks the credential chain of entry in lookup order.
func effectiveKey(ctx context.Context, entry config.ProviderEntry, f *credential.File) (key, source string, err error) {
	env := entry.APIKeyEnv
	if env == "" {
		env = app.KeyEnv[entry.Name]
	}
	sources := []struct {
		name string
		src  credential.Source
	}{
		{"enrichment.api_key", credential.Static(entry.APIKey)},
		{"$" + env, credential.Env(env)},
		{f.Path(), f},
	}
	for _, s := range sources {
		k, ok, err := s.src.Credential(ctx)
		if err != nil {
			return "", "", err
		}
		if ok {
			return k, s.name, nil
		}
	}
	return "", "", nil
}
