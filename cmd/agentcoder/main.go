// Command agentcoder runs the architect, engineer and resolver stages and the container job
// dispatcher from the command line.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentcoder/pkg/logx"
)

//nolint:gochecknoglobals // cobra command tree
var (
	configPath string
	debug      bool
	logFile    string
	metricsOut string

	rootCmd = &cobra.Command{
		Use:   "agentcoder",
		Short: "Scaffold, implement and integrate code branches with LLM agents",
		Long: `agentcoder turns a planned project into code branches. Architect sessions scaffold one
branch per ownership scope, engineer jobs implement grouped specs in isolated containers,
and a resolver session merges the results.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if debug {
				var domains []string
				if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
					domains = strings.Split(v, ",")
				}
				logx.SetDebug(true, domains...)
			}
			if logFile != "" {
				return logx.SetOutputFile(logFile)
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logx.Close()
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file path (YAML or JSON)")
	flags.BoolVar(&debug, "debug", false, "enable debug logging (DEBUG_DOMAINS limits domains)")
	flags.StringVar(&logFile, "log-file", "", "also append logs to this file")
	flags.StringVar(&metricsOut, "metrics-out", "", "write Prometheus text metrics to this file on exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
