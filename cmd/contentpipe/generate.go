package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/pipeline"
	"github.com/MimeLyc/contentpipe/internal/service"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

func generateCmd() *cobra.Command {
	var (
		briefPath string
		outPath   string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one brief through all passes in the foreground",
		Long: `Run one brief through all passes, printing progress as it goes.

If the brief already has an unfinished job, that job is resumed from its
current pass. Interrupting the command pauses the job; run it again to resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := brief.ReadFile(briefPath)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := openComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					log.Warn("Closing components: %v", err)
				}
			}()

			gen, err := newGenerator(cfg)
			if err != nil {
				return err
			}
			svc, err := newService(cfg, c, gen, brief.NewMemoryReader(b), 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				out = f
			}
			_, err = runGenerate(ctx, svc, b, cmd.ErrOrStderr(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&briefPath, "brief", "", "path to the brief JSON file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the article here instead of stdout")
	_ = cmd.MarkFlagRequired("brief")
	return cmd
}

// runGenerate runs b's unfinished job, or a new one, to completion. Progress
// goes to progressW and the final article to articleW.
func runGenerate(ctx context.Context, svc *service.Service, b *brief.Brief, progressW, articleW io.Writer) (*jobs.Job, error) {
	job, err := svc.GetActiveJob(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job, err = svc.CreateJob(ctx, b.ID, jobs.Owner{})
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(progressW, "Created job %s for %q\n", job.ID, b.Title)
	} else {
		fmt.Fprintf(progressW, "Resuming job %s at pass %d (%s)\n", job.ID, job.CurrentPass, jobs.PassName(job.CurrentPass))
	}

	runErr := svc.Run(ctx, job.ID, newConsoleListener(progressW))

	final, err := svc.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	printJob(progressW, final)

	switch {
	case errors.Is(runErr, pipeline.ErrStopped):
		fmt.Fprintln(progressW, "Stopped; run generate again to resume.")
		return final, runErr
	case runErr != nil:
		return final, runErr
	}

	if _, err := io.WriteString(articleW, final.DraftContent+"\n"); err != nil {
		return final, err
	}
	return final, nil
}
