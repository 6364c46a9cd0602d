package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/repo"
)

func iterationCmd() *cobra.Command {
	it := &cobra.Command{Use: "iteration", Short: "Manage iterations"}
	it.AddCommand(iterationCreateCmd(), iterationNextCmd(), iterationShowCmd(), iterationListCmd())
	return it
}

// parseTaskSpecs reads "team:name" pairs.
func parseTaskSpecs(specs []string) ([]engine.TaskInput, error) {
	out := make([]engine.TaskInput, 0, len(specs))
	for _, s := range specs {
		team, name, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("task %q must be team:name", s)
		}
		out = append(out, engine.TaskInput{Team: team, Name: name})
	}
	return out, nil
}

func iterationCreateCmd() *cobra.Command {
	var projectID, typ string
	var tasks []string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create an iteration",
		Example: `  shipline iteration create --project p1 --task backend:"orders API" --task frontend:"checkout page"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseTaskSpecs(tasks)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				view, err := s.Engine.CreateIteration(ctx, engine.IterationCreateOptions{ProjectID: projectID, Type: typ, Tasks: inputs})
				if err != nil {
					return err
				}
				return printIteration(view)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&typ, "type", domain.IterationTypeRequirements, "requirements or feedback")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "task as team:name (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func iterationNextCmd() *cobra.Command {
	var peek bool
	cmd := &cobra.Command{
		Use:   "next <iteration-id>",
		Short: "Dispatch the next todo task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				var (
					t   *domain.IterationTask
					err error
				)
				if peek {
					t, err = s.Engine.GetNextTask(ctx, args[0])
				} else {
					t, err = s.Engine.TriggerNext(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if t == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"task": nil})
					}
					fmt.Println("no todo task left")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&peek, "peek", false, "only show the next task")
	return cmd
}

func iterationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <iteration-id>",
		Short: "Show an iteration and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				view, err := s.Engine.GetIteration(ctx, args[0])
				if err != nil {
					return err
				}
				return printIteration(view)
			})
		},
	}
}

func iterationListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List iterations of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIterations(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Working Time", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Type, it.Status, it.WorkingTime, it.CreatedAt})
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

func printIteration(view engine.IterationView) error {
	if viper.GetBool("json") {
		return printJSON(view)
	}
	fmt.Printf("iteration %s (%s) %s\n", view.Iteration.ID, view.Iteration.Type, view.Iteration.Status)
	printTasks(view.Tasks)
	return nil
}

func printTasks(tasks []domain.IterationTask) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Team", "Status", "Working Time"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Name, t.Team, t.Status, t.WorkingTime})
	}
	tw.Render()
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage iteration tasks"}
	task.AddCommand(taskListCmd(), taskStatusCmd())
	return task
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <iteration-id>",
		Short: "List tasks in dispatch order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				tasks, err := s.Engine.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to in_progress, done or failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Engine.UpdateTaskStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}
