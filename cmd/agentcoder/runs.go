package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentcoder/pkg/persistence"
)

//nolint:gochecknoglobals // cobra command tree
var (
	runsLimit int

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE:  listRuns,
	}
	runsShowCmd = &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the sessions and job results of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}
)

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func openLedger() (*app, error) {
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	if a.ledger == nil {
		a.close()
		return nil, errors.New("run ledger is disabled (ledger.path is empty or unusable)")
	}
	return a, nil
}

func listRuns(cmd *cobra.Command, _ []string) error {
	a, err := openLedger()
	if err != nil {
		return err
	}
	defer a.close()

	runs, err := a.ledger.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tKIND\tSTATUS\tSTARTED\tDURATION")
	for i := range runs {
		r := &runs[i]
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Kind, r.Status, r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	a, err := openLedger()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	run, err := a.ledger.GetRun(ctx, args[0])
	if errors.Is(err, persistence.ErrRunNotFound) {
		return fmt.Errorf("no run with id %s", args[0])
	}
	if err != nil {
		return err
	}
	sessions, err := a.ledger.Sessions(ctx, run.RunID)
	if err != nil {
		return err
	}
	jobs, err := a.ledger.JobResults(ctx, run.RunID)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"run":         run,
		"sessions":    sessions,
		"job_results": jobs,
	})
}
