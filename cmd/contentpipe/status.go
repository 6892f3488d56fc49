package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/contentpipe/internal/jobs"
)

func statusCmd() *cobra.Command {
	var (
		briefID string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the jobs of a brief, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			return runStatus(cmd.Context(), c.manager, briefID, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&briefID, "brief", "", "brief id")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of jobs to show")
	_ = cmd.MarkFlagRequired("brief")
	return cmd
}

func runStatus(ctx context.Context, manager *jobs.Manager, briefID string, limit int, w io.Writer) error {
	list, err := manager.ListJobs(ctx, jobs.JobFilter{BriefID: briefID, Limit: limit})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(w, "No jobs for brief %s\n", briefID)
		return nil
	}
	fmt.Fprintf(w, "Jobs for brief %s:\n", briefID)
	for _, job := range list {
		printJob(w, job)
	}
	return nil
}
