package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentcoder/pkg/dispatch"
)

//nolint:gochecknoglobals // cobra command tree
var (
	jobsPath string

	dispatchCmd = &cobra.Command{
		Use:   "dispatch",
		Short: "Run a batch of engineer jobs in containers and print their results",
		Long: `dispatch launches one container per job, waits for every job to finish, collects the
result file each job writes and removes the containers and volumes. The jobs file is YAML,
either a list of jobs or {jobs: [...]}. GITHUB_TOKEN is passed to jobs without credentials.`,
		RunE: runDispatch,
	}
)

func init() {
	dispatchCmd.Flags().StringVar(&jobsPath, "jobs", "", "jobs file (YAML)")
	_ = dispatchCmd.MarkFlagRequired("jobs")
	rootCmd.AddCommand(dispatchCmd)
}

func loadJobs(path string) ([]dispatch.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	var wrapped struct {
		Jobs []dispatch.Job `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil || len(wrapped.Jobs) == 0 {
		var list []dispatch.Job
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			if err == nil {
				err = lerr
			}
			return nil, fmt.Errorf("failed to parse jobs %s: %w", path, err)
		}
		wrapped.Jobs = list
	}
	token := os.Getenv("GITHUB_TOKEN")
	for i := range wrapped.Jobs {
		job := &wrapped.Jobs[i]
		if job.Name == "" {
			job.Name = fmt.Sprintf("job-%d", i+1)
		}
		if job.Credentials == "" {
			job.Credentials = token
		}
	}
	return wrapped.Jobs, nil
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	jobs, err := loadJobs(jobsPath)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	d, cleanup, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runID := a.startRun(ctx, "dispatch")
	results := d.RunJobs(ctx, jobs)
	a.recordJobs(runID, results)
	a.finishRun(runID, ctx.Err())
	return writeJSON(cmd.OutOrStdout(), results)
}
