package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"planline/internal/app"
	"planline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyActor, noHandoff bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the planning API for the workspace project with bearer (JWT) auth, prometheus metrics on /metrics and the webhooks from planline.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("PLANLINE_JWT_SECRET"),
					AllowDevLogin:          devLogin,
					AllowLegacyActorHeader: legacyActor,
					Logger:                 rt.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
				}
				cfg := server.Config{
					Engine:   rt.Engine,
					Project:  rt.Project,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  rt.Metrics,
					Logger:   rt.Logger,
				}
				if !noHandoff {
					proto, err := rt.Protocol()
					if err != nil {
						return err
					}
					cfg.Protocol = proto
				}
				handler, err := server.New(cfg)
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Repo, rt.Config, rt.Logger.Named("webhooks"))

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving planline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("project", rt.Project.ID),
					zap.Bool("handoff", cfg.Protocol != nil))
				fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login to mint tokens (local use only)")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept X-Actor-Id without a token (grants admin)")
	cmd.Flags().BoolVar(&noHandoff, "no-handoff", false, "disable the handoff endpoints")
	return cmd
}
