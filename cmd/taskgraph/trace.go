package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/byteengine/taskgraph/internal/persist"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Summarise a recorded run from the trace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("run id: %w", err)
			}
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := persist.NewDB(cmd.Context(), cfg.Trace, log)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			repo := persist.NewTraceRepo(db)
			run, err := repo.LoadRun(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("load run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", id)
			}
			stats, err := repo.TaskStats(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Workers: %d\n", run.Workers)
			fmt.Fprintf(out, "Goals:   %v\n", run.Goals)
			if run.Dropped > 0 {
				fmt.Fprintf(out, "Dropped: %d records\n", run.Dropped)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tKIND\tRUNS\tPANICS\tMEAN\tSLOWEST\tLAST FRAME")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%d\n",
					s.Task, s.Kind, s.Runs, s.Panics, s.Mean, s.Slowest, s.LastSeen)
			}
			return w.Flush()
		},
	}
}
