package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/repo"
)

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect and flush agent deliveries"}
	ob.AddCommand(outboxListCmd(), outboxFlushCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOutbox(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Key", "Endpoint", "Status", "Attempts", "Next Attempt", "Last Error"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Kind, m.IdempotencyKey, m.Endpoint, m.Status, m.Attempts, m.NextAttemptAt, m.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, delivered or dead")
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	return cmd
}

func outboxFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Attempt every due delivery once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				n, err := s.Dispatcher.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("delivered %d\n", n)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, projectID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}
