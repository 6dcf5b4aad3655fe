package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentcoder/pkg/scope"
	"agentcoder/pkg/version"
)

//nolint:gochecknoglobals // cobra command tree
var (
	filterScope string
	slugScope   string

	filterCmd = &cobra.Command{
		Use:   "filter",
		Short: "Keep the manifest paths a scope owns (paths read one per line from stdin)",
		RunE:  runFilter,
	}
	slugifyCmd = &cobra.Command{
		Use:   "slugify NAME",
		Short: "Print the slug of a project name, or its branch name with --scope",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlugify,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentcoder %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
)

func init() {
	filterCmd.Flags().StringVar(&filterScope, "scope", "", "FE or BE")
	_ = filterCmd.MarkFlagRequired("scope")
	slugifyCmd.Flags().StringVar(&slugScope, "scope", "", "FE or BE")
	rootCmd.AddCommand(filterCmd, slugifyCmd, versionCmd)
}

func runFilter(cmd *cobra.Command, _ []string) error {
	s, err := scope.ParseScope(filterScope)
	if err != nil {
		return err
	}
	var paths []string
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read paths: %w", err)
	}
	kept, err := scope.FilterTree(paths, s)
	if err != nil {
		return err
	}
	for _, p := range kept {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func runSlugify(cmd *cobra.Command, args []string) error {
	if slugScope == "" {
		fmt.Fprintln(cmd.OutOrStdout(), scope.Slugify(args[0]))
		return nil
	}
	s, err := scope.ParseScope(slugScope)
	if err != nil {
		return err
	}
	branch, err := scope.BranchName(args[0], s)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), branch)
	return nil
}
