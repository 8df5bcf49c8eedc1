package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run or inspect scheduled jobs",
	}
	cmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "use the in-process store instead of PostgreSQL")

	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Execute one job now (nightly_batch, hourly_snapshot, canary_check, outcome_timeout, session_sweep)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, inMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			jr, err := a.jobs.Run(cmd.Context(), args[0], "cli")
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %s\n", jr.JobName, jr.Status, jr.Summary)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <name>",
		Short: "Show recent runs of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, inMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.repo.JobRuns.List(cmd.Context(), args[0], 20)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tDURATION\tTRIGGER\tSUMMARY")
			for _, jr := range runs {
				dur := "-"
				if jr.DurationMs != nil {
					dur = fmt.Sprintf("%dms", *jr.DurationMs)
				}
				detail := jr.Summary
				if jr.Error != nil {
					detail = *jr.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					jr.StartedAt.Format("2006-01-02 15:04:05"), jr.Status, dur, jr.TriggeredBy, detail)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(runCmd, listCmd)
	return cmd
}
