package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shipline/internal/app"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directory",
		Short: "Seed organizations, projects, users and managed databases",
	}
	dir.AddCommand(directoryAddCmd("org", "Add an organization", addOrg))
	dir.AddCommand(directoryAddCmd("project", "Add a project", addProject))
	dir.AddCommand(directoryAddCmd("user", "Add a user", addUser))
	dir.AddCommand(directoryAddCmd("database", "Register a project's managed database", addDatabase))
	return dir
}

type directoryFlags struct {
	id, name, org, email, project, ref, apiURL, secretName string
}

func directoryAddCmd(use, short string, add func(context.Context, repo.Repo, directoryFlags) (any, error)) *cobra.Command {
	var f directoryFlags
	group := &cobra.Command{Use: use, Short: short}
	cmd := &cobra.Command{
		Use:   "add",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				out, err := add(ctx, r, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "id (generated when empty)")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.org, "org", "", "organization id")
	cmd.Flags().StringVar(&f.email, "email", "", "user email")
	cmd.Flags().StringVar(&f.project, "project", "", "project id")
	cmd.Flags().StringVar(&f.ref, "ref", "", "managed database ref")
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "managed database API url")
	cmd.Flags().StringVar(&f.secretName, "secret-name", "", "secret holding the database keys")
	group.AddCommand(cmd)
	return group
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func nowStamp() string { return domain.Timestamp(time.Now()) }

func addOrg(ctx context.Context, r repo.Repo, f directoryFlags) (any, error) {
	if f.name == "" {
		return nil, fmt.Errorf("--name required")
	}
	o := domain.Organization{ID: idOrNew(f.id), Name: f.name}
	return o, r.InsertOrganization(ctx, o, nowStamp())
}

func addProject(ctx context.Context, r repo.Repo, f directoryFlags) (any, error) {
	if f.name == "" || f.org == "" {
		return nil, fmt.Errorf("--name and --org required")
	}
	p := domain.Project{ID: idOrNew(f.id), OrganizationID: f.org, Name: f.name, CreatedAt: nowStamp()}
	return p, r.InsertProject(ctx, p)
}

func addUser(ctx context.Context, r repo.Repo, f directoryFlags) (any, error) {
	if f.email == "" || f.org == "" {
		return nil, fmt.Errorf("--email and --org required")
	}
	u := domain.User{ID: idOrNew(f.id), OrganizationID: f.org, Email: f.email}
	return u, r.InsertUser(ctx, u, nowStamp())
}

func addDatabase(ctx context.Context, r repo.Repo, f directoryFlags) (any, error) {
	if f.project == "" || f.ref == "" {
		return nil, fmt.Errorf("--project and --ref required")
	}
	m := domain.ManagedDatabase{ProjectID: f.project, Ref: f.ref, APIURL: f.apiURL, SecretName: f.secretName, CreatedAt: nowStamp()}
	return m, r.UpsertManagedDatabase(ctx, m)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}
