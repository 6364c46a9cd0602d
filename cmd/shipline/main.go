package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/config"
	"shipline/internal/migrate"
	"shipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "shipline",
	Short: "Shipline CLI",
	Long: `Shipline provisions the hosting of generated projects and drives their development.
- Infra: a backend app and service on the container host, a frontend project on the edge host.
- Builds: frontend deployments and backend CI runs are checked; failures may queue a repair agent.
- Iterations: ordered frontend/backend tasks dispatched one at a time to the team agents.
- Outbox: agent deliveries are queued durably and retried until delivered or dead.
- Event log: every mutation is recorded, view it with 'shipline log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding shipline.yml and the database")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(infraCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if addr == "" {
					addr = s.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = s.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Backend:  s.Backend,
					Frontend: s.Frontend,
					Builds:   s.Builds,
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				go s.Dispatcher.Run(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Shipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default shipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate shipline.yml and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config ok (environment %s, repair policy %s)\n", cfg.Environment, cfg.Builds.RepairPolicy)
			return nil
		},
	})
	return cfgCmd
}

// --- helpers ---

// loadConfig reads shipline.yml from the workspace and applies SHIPLINE_*
// environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(config.Path(workspace))
	if err != nil {
		return nil, err
	}
	if cfg.Store.Workspace == "" || cfg.Store.Workspace == "." {
		cfg.Store.Workspace = workspace
	}
	overrides := map[string]*string{
		"environment":                   &cfg.Environment,
		"app_url":                       &cfg.AppURL,
		"github.token":                  &cfg.GitHub.Token,
		"github.owner":                  &cfg.GitHub.Owner,
		"koyeb.token":                   &cfg.Koyeb.Token,
		"vercel.token":                  &cfg.Vercel.Token,
		"vercel.team_id":                &cfg.Vercel.TeamID,
		"storage.endpoint":              &cfg.Storage.Endpoint,
		"storage.access_key":            &cfg.Storage.AccessKey,
		"storage.secret_key":            &cfg.Storage.SecretKey,
		"email.api_key":                 &cfg.Email.APIKey,
		"email.operator_email":          &cfg.Email.OperatorEmail,
		"agents.frontend.url":           &cfg.Agents.Frontend.URL,
		"agents.backend.url":            &cfg.Agents.Backend.URL,
		"agents.frontend.secret":        &cfg.Agents.Frontend.Secret,
		"agents.backend.secret":         &cfg.Agents.Backend.Secret,
		"agents.frontend_repair.url":    &cfg.Agents.FrontendRepair.URL,
		"agents.backend_repair.url":     &cfg.Agents.BackendRepair.URL,
		"agents.frontend_repair.secret": &cfg.Agents.FrontendRepair.Secret,
		"agents.backend_repair.secret":  &cfg.Agents.BackendRepair.Secret,
	}
	for key, target := range overrides {
		if v := viper.GetString(key); v != "" {
			*target = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger := newLogger()
	slog.SetDefault(logger)
	s, err := app.New(ctx, cfg, conn, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
