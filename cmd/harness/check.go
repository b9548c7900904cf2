package main

import (
	"context"
	"fmt"
	"io"

	"firestore-harness/internal/harness/usecase"

	"github.com/spf13/cobra"
)

// CheckResult is the JSON output of the check command.
type CheckResult struct {
	Passed    bool                      `json:"passed"`
	Scenarios []*usecase.ScenarioReport `json:"scenarios"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <scenario.yaml>...",
		Short: "Run YAML scenarios against the configured backend",
		Long: `Seeds each scenario under a fresh run, runs its queries, compares them
against the expected keys (and the pipeline surface when
RUN_ENTERPRISE_TESTS is set), walks paged queries and removes the data
again. Exits non-zero when any scenario fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runCheck(ctx, rootOpts, args, cmd.OutOrStdout())
		},
	}
}

func runCheck(ctx context.Context, opts *RootOptions, files []string, out io.Writer) error {
	var scenarios []usecase.Scenario
	for _, f := range files {
		loaded, err := usecase.LoadScenarios(f)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, loaded...)
	}

	c, err := opts.container(ctx, nil)
	if err != nil {
		return err
	}
	defer closeContainer(c)

	cfg := c.Config
	runner := usecase.NewScenarioRunner(c.Backend, usecase.HelperOptions{
		TTL:           cfg.Harness.DocumentTTL,
		RunIDField:    cfg.Harness.RunIDField,
		ExpireAtField: cfg.Harness.ExpireAtField,
		MaxPages:      cfg.Harness.MaxPages,
		Metrics:       c.Metrics,
		Recorder:      c.Recorder,
		Logger:        c.Logger,
	}, cfg.ShouldRunEnterprise(), c.Logger)

	result := CheckResult{Passed: true}
	for _, sc := range scenarios {
		report, err := runner.Run(ctx, sc)
		if err != nil {
			return err
		}
		result.Scenarios = append(result.Scenarios, report)
		result.Passed = result.Passed && report.Passed()
	}

	if err := opts.emit(out, result, func(w io.Writer) {
		for _, r := range result.Scenarios {
			status := "PASS"
			if !r.Passed() {
				status = "FAIL"
			}
			fmt.Fprintf(w, "%s %s (run %s, %d queries)\n", status, r.Name, r.RunID, len(r.Queries))
			for _, f := range r.Failures() {
				fmt.Fprintf(w, "    %s\n", f)
			}
		}
	}); err != nil {
		return err
	}
	if !result.Passed {
		return fmt.Errorf("%d of %d scenarios failed", failed(result.Scenarios), len(result.Scenarios))
	}
	return nil
}

func failed(reports []*usecase.ScenarioReport) int {
	n := 0
	for _, r := range reports {
		if !r.Passed() {
			n++
		}
	}
	return n
}
