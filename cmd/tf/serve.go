package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"teamflow/internal/activity"
	"teamflow/internal/app"
	"teamflow/internal/boardsync"
	"teamflow/internal/config"
	"teamflow/internal/domain"
	"teamflow/internal/server"
	teamflowsdk "teamflow/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, trustHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("jwt-secret") == "" {
				return fmt.Errorf("TEAMFLOW_JWT_SECRET (or --jwt-secret) is required to sign session tokens")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s, err := openServices(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			handler, err := server.New(server.Config{
				Services: s,
				BasePath: basePath,
				Auth: server.AuthConfig{
					AllowDevLogin:   devLogin,
					AllowUserHeader: trustHeader,
					Logger:          s.Logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				s.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return server.RunWebhooks(gctx, s.Repo, s.Config, s.Logger)
			})
			fmt.Fprintf(stdout, "Serving Teamflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&trustHeader, "trust-user-header", false, "accept X-User-Id without a session (development only)")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage sessions"}
	sess.AddCommand(sessionLoginCmd())
	sess.AddCommand(sessionTouchCmd())
	return sess
}

func sessionLoginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Issue a session token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				token, sess, err := s.Sessions.Issue(ctx, actor(), email, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"token": token, "session": sess})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email stored on the session")
	return cmd
}

func sessionTouchCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "touch <session-id>",
		Short: "Record an interaction event on a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				if err := s.Sessions.UpdateLastActivity(ctx, args[0], event); err != nil {
					return err
				}
				sess, err := s.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "click", "one of mousedown, keydown, scroll, touchstart, click")
	return cmd
}

// boardWatchCmd runs a sync controller against a remote server and
// redraws the board whenever a change arrives.
func boardWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a project board on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return errors.New("--project is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.Default()
			}
			client := teamflowsdk.New(viper.GetString("server"))
			client.BearerToken = viper.GetString("token")
			if client.BearerToken == "" {
				client.UserID = actor()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redraw := make(chan struct{}, 1)
			board := boardsync.New(boardsync.Config{
				Query:        domain.TaskQuery{ProjectID: projectID},
				Columns:      app.BoardColumns(cfg),
				Remote:       client,
				Feed:         client,
				Permissions:  client,
				Recorder:     activity.Emitter{Store: client},
				ActorID:      actor(),
				WriteTimeout: cfg.Sync.WriteTimeout,
				Logger:       newLogger(),
				OnChange: func() {
					select {
					case redraw <- struct{}{}:
					default:
					}
				},
			})
			if err := board.Start(ctx); err != nil {
				return err
			}
			defer board.Close()
			for {
				fmt.Fprint(stdout, "\033[H\033[2J")
				fmt.Fprintf(stdout, "%s  %s\n", projectID, time.Now().Format(time.Kitchen))
				fmt.Fprintln(stdout, renderBoard(board.Board()))
				select {
				case <-ctx.Done():
					return nil
				case <-redraw:
				}
			}
		},
	}
	cmd.Flags().String("server", "http://127.0.0.1:8080/v1", "API base URL")
	cmd.Flags().String("token", "", "session token (falls back to X-User-Id with --user)")
	_ = viper.BindPFlag("server", cmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}
