package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/buildhealth"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

func buildCmd() *cobra.Command {
	build := &cobra.Command{Use: "build", Short: "Check build health"}
	build.AddCommand(buildCheckCmd(), buildRecheckCmd(), buildListCmd(), buildWaitCmd())
	return build
}

func buildCheckCmd() *cobra.Command {
	var projectID, iterationID, template string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the web and/or api build of an iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				var results []buildhealth.CheckResult
				if template == "" {
					var err error
					if results, err = s.Builds.CheckAll(ctx, projectID, iterationID); err != nil {
						return err
					}
				} else {
					res, err := s.Builds.CheckBuild(ctx, projectID, iterationID, template)
					if err != nil {
						return err
					}
					results = []buildhealth.CheckResult{res}
				}
				return printCheckResults(results)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&iterationID, "iteration", "", "iteration id")
	cmd.Flags().StringVar(&template, "template", "", "web or api (both when empty)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("iteration")
	return cmd
}

func buildRecheckCmd() *cobra.Command {
	var projectID, iterationID, template string
	cmd := &cobra.Command{
		Use:   "recheck",
		Short: "Refresh a recorded build without queuing a repair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Builds.Recheck(ctx, projectID, iterationID, template)
				if err != nil {
					return err
				}
				return printCheckResults([]buildhealth.CheckResult{res})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&iterationID, "iteration", "", "iteration id (latest build when empty)")
	cmd.Flags().StringVar(&template, "template", domain.BuildTypeWeb, "web or api")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func buildListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				builds, err := r.ListBuilds(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(builds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Iteration", "Type", "Status", "Fix Attempts", "Fix Triggered", "Updated"})
				for _, b := range builds {
					tw.AppendRow(table.Row{b.IterationID, b.Type, b.Status, b.FixAttempts, b.FixTriggered, b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func buildWaitCmd() *cobra.Command {
	var projectID, branch string
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for the newest frontend deployment of a branch to settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				st, err := s.Builds.WaitForDeployment(ctx, projectID, branch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("deployment %s: %s\n", st.DeploymentID, st.Status)
				if st.Message != "" {
					fmt.Print(st.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&branch, "branch", "", "branch (defaults to builds.frontend_branch)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printCheckResults(results []buildhealth.CheckResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Type", "Observed", "Status", "Fix Attempts", "Repair Queued"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.Build.Type, r.Observed, r.Build.Status, r.Build.FixAttempts, r.RepairQueued})
	}
	tw.Render()
	for _, r := range results {
		if r.Logs != "" {
			fmt.Printf("\n--- %s logs ---\n%s\n", r.Build.Type, r.Logs)
		}
	}
	return nil
}
