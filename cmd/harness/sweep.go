package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SweepResult is the JSON output of the sweep command.
type SweepResult struct {
	Deleted map[string]int `json:"deleted"`
	Total   int            `json:"total"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sweep [collection]...",
		Short: "Delete documents whose expiration time has passed",
		Args: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one collection or pass --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSweep(ctx, rootOpts, args, all, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sweep every collection the backend can list")
	return cmd
}

func runSweep(ctx context.Context, opts *RootOptions, collections []string, all bool, out io.Writer) error {
	c, err := opts.container(ctx, nil)
	if err != nil {
		return err
	}
	defer closeContainer(c)

	if all {
		listed := c.Collections(ctx)
		if listed == nil {
			return fmt.Errorf("the %s backend cannot list collections; name them explicitly", c.Backend.Name())
		}
		collections = append(collections, listed...)
	}

	sweeper := c.NewSweeper()
	result := SweepResult{Deleted: make(map[string]int, len(collections))}
	for _, coll := range collections {
		n, err := sweeper.Sweep(ctx, coll)
		if err != nil {
			return err
		}
		result.Deleted[coll] += n
		result.Total += n
	}

	return opts.emit(out, result, func(w io.Writer) {
		for _, coll := range collections {
			fmt.Fprintf(w, "%s: %d expired documents deleted\n", coll, result.Deleted[coll])
		}
	})
}
