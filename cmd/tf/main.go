package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/config"
	"teamflow/internal/db"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Teamflow CLI",
	Long: `Teamflow is a shared kanban board for small teams.
- Workspace: a directory holding .teamflow/teamflow.db and an optional teamflow.yml.
- Projects own tasks; members hold one role per project (owner, admin, manager, contributor, viewer, member).
- Board: tasks grouped by status column; columns may cap work in progress or be locked.
- Every task change is checked against the acting user's role (--user) and written to the activity log.
- 'tf serve' exposes the same workspace over HTTP with a live change stream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TEAMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/teamflow.yml)")
	flags.StringP("user", "u", "local-user", "acting user id")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("jwt-secret", "", "session signing secret")
	for _, name := range []string{"workspace", "config", "user", "project", "json", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage teamflow.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default teamflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "config ok")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project owned by --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					OwnerID:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.OwnerID, p.CreatedAt})
				}
				fmt.Fprintln(stdout, tw.Render())
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage project members"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberRemoveCmd())
	m.AddCommand(memberListCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add a member or change their role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				if err := s.Access.RequireRole(ctx, actor(), access.ActionManage, access.ManageRoles, p.ID); err != nil {
					return err
				}
				m, err := s.Engine.AddMember(ctx, p.ID, args[0], r)
				if err != nil {
					return err
				}
				s.Access.Forget(args[0])
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleMember), "role (owner, admin, manager, contributor, viewer, member)")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				if err := s.Access.RequireRole(ctx, actor(), access.ActionManage, access.ManageRoles, p.ID); err != nil {
					return err
				}
				if err := s.Engine.RemoveMember(ctx, p.ID, args[0]); err != nil {
					return err
				}
				s.Access.Forget(args[0])
				return nil
			})
		},
	}
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				items, err := s.Repo.ListProjectMembers(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Role", "Joined"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.JoinedAt})
				}
				fmt.Fprintln(stdout, tw.Render())
				return nil
			})
		},
	}
}

func profileCmd() *cobra.Command {
	prof := &cobra.Command{Use: "profile", Short: "Manage user profiles"}
	prof.AddCommand(profileSetCmd())
	prof.AddCommand(profileShowCmd())
	return prof
}

// profileSetCmd is the only way to grant a global role; it trusts whoever
// can write the workspace.
func profileSetCmd() *cobra.Command {
	var email, name, role string
	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Create or update a profile, including its global role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Repo.GetProfile(ctx, args[0])
				if err != nil && !errors.Is(err, domain.ErrNotFound) {
					return err
				}
				p.UserID = args[0]
				if cmd.Flags().Changed("email") {
					p.Email = email
				}
				if cmd.Flags().Changed("name") {
					p.DisplayName = name
				}
				if role != "" {
					r, err := domain.ParseRole(role)
					if err != nil {
						return err
					}
					p.Role = r
				}
				saved, err := s.Engine.UpsertProfile(ctx, p)
				if err != nil {
					return err
				}
				s.Access.Forget(args[0])
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "global role")
	return cmd
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a profile (default --user)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := actor()
			if len(args) == 1 {
				userID = args[0]
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				p, err := s.Repo.GetProfile(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- helpers ---

// stdout receives command output.
var stdout io.Writer = os.Stdout

func actor() string {
	return strings.TrimSpace(viper.GetString("user"))
}

func newLogger() *zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
	return &l
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func openServices(ctx context.Context) (*app.Services, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		JWTSecret:  viper.GetString("jwt-secret"),
		Logger:     newLogger(),
	})
}

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	ctx, cancel := context.WithTimeout(ctx, app.DefaultTimeout)
	defer cancel()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withProject(ctx context.Context, fn func(context.Context, *app.Services, domain.Project) error) error {
	return withServices(ctx, func(ctx context.Context, s *app.Services) error {
		p, err := app.ResolveProject(ctx, s.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, s, p)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(stdout, string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
