package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
)

func infraCmd() *cobra.Command {
	infra := &cobra.Command{Use: "infra", Short: "Provision project hosting"}

	backend := &cobra.Command{Use: "backend", Short: "Backend app and service"}
	backend.AddCommand(projectArgCmd("create", "Provision the backend", func(ctx context.Context, s *app.Services, projectID string) error {
		row, err := s.Backend.Create(ctx, projectID)
		if err != nil {
			return err
		}
		return printJSONOrTable(row)
	}))
	backend.AddCommand(projectArgCmd("delete", "Tear down the backend", func(ctx context.Context, s *app.Services, projectID string) error {
		return s.Backend.Delete(ctx, projectID)
	}))
	backend.AddCommand(projectArgCmd("show", "Show the backend and its rollout state", func(ctx context.Context, s *app.Services, projectID string) error {
		row, err := s.Backend.Get(ctx, projectID)
		if err != nil {
			return err
		}
		svc, err := s.Backend.GetService(ctx, projectID)
		if err != nil {
			return err
		}
		domainName, _ := s.Backend.ActiveDomain(ctx, projectID)
		if viper.GetBool("json") {
			return printJSON(map[string]any{"infra": row, "service": svc, "domain": domainName})
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Project", "App", "Service", "Status", "Deploy", "Domain"})
		tw.AppendRow(table.Row{row.ProjectID, row.AppID, row.ServiceID, svc.Service.Status, svc.DeployStatus, domainName})
		tw.Render()
		return nil
	}))
	backend.AddCommand(projectArgCmd("redeploy", "Redeploy the backend service", func(ctx context.Context, s *app.Services, projectID string) error {
		return s.Backend.Redeploy(ctx, projectID)
	}))

	frontend := &cobra.Command{Use: "frontend", Short: "Frontend project"}
	frontend.AddCommand(projectArgCmd("create", "Provision the frontend", func(ctx context.Context, s *app.Services, projectID string) error {
		res, err := s.Frontend.Create(ctx, projectID)
		if err != nil {
			return err
		}
		return printJSONOrTable(res)
	}))
	frontend.AddCommand(projectArgCmd("delete", "Tear down the frontend", func(ctx context.Context, s *app.Services, projectID string) error {
		return s.Frontend.Delete(ctx, projectID)
	}))
	frontend.AddCommand(projectArgCmd("show", "Show the frontend and its newest deployment", func(ctx context.Context, s *app.Services, projectID string) error {
		row, err := s.Frontend.Get(ctx, projectID)
		if err != nil {
			return err
		}
		dep, depErr := s.Frontend.LatestDeployment(ctx, projectID, "")
		if viper.GetBool("json") {
			return printJSON(map[string]any{"infra": row, "deployment": dep})
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Project", "Remote", "Name", "Deployment", "Status"})
		status := dep.Status
		if depErr != nil {
			status = "-"
		}
		tw.AppendRow(table.Row{row.ProjectID, row.RemoteProjectID, row.RemoteProjectName, dep.DeploymentID, status})
		tw.Render()
		return nil
	}))

	infra.AddCommand(backend, frontend)
	return infra
}

// projectArgCmd is a subcommand taking a single project id argument.
func projectArgCmd(use, short string, run func(context.Context, *app.Services, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return run(ctx, s, args[0])
			})
		},
	}
}
