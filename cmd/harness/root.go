package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"firestore-harness/internal/di"
	"firestore-harness/internal/harness/config"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// loadConfig is swapped in tests.
	loadConfig func() (*config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the harness command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{loadConfig: config.LoadConfig})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Firestore query harness",
		Long: `Runs query-equivalence scenarios against a document backend, serves the
fixture server for out-of-process clients and sweeps expired test data.

The backend comes from HARNESS_BACKEND (memory, mongodb or remote);
FIRESTORE_EMULATOR_HOST forces the remote backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) config() (*config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// container loads the configuration, lets mutate adjust it and initializes
// a container. The caller closes it.
func (o *RootOptions) container(ctx context.Context, mutate func(*config.Config)) (*di.Container, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	c := di.NewContainer(cfg)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Initialize(initCtx); err != nil {
		return nil, err
	}
	return c, nil
}

func closeContainer(c *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		c.Logger.WithFields(map[string]interface{}{"error": err}).Warn("Failed to close container")
	}
}

// emit writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
