package main

import (
	"context"
	"fmt"
	"io"

	"firestore-harness/internal/harness/adapter/security"

	"github.com/spf13/cobra"
)

// TokenResult is the JSON output of the token command.
type TokenResult struct {
	Subject string `json:"subject"`
	RunID   string `json:"runId,omitempty"`
	Token   string `json:"token"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Print a signed fixture-server token",
		Long:  "Signs a bearer token with JWT_SECRET for the given subject. No backend is contacted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(rootOpts, args[0], runID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier embedded in the token")
	return cmd
}

func runToken(opts *RootOptions, subject, runID string, out io.Writer) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	tokens, err := security.NewJWTokenService(cfg.Server)
	if err != nil {
		return err
	}
	token, err := tokens.GenerateToken(context.Background(), subject, runID)
	if err != nil {
		return err
	}
	return opts.emit(out, TokenResult{Subject: subject, RunID: runID, Token: token}, func(w io.Writer) {
		fmt.Fprintln(w, token)
	})
}
