package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coverline/internal/app"
	"coverline/internal/observability"
	"coverline/internal/repo"
	"coverline/internal/server"
)

func serveCmd() *cobra.Command {
	var basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reporting and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				metrics, err := observability.NewCollector(reg)
				if err != nil {
					return err
				}
				rn := newRunner(r)
				rn.Metrics = metrics
				authCfg := server.AuthConfig{
					JWTSecret:     viper.GetString("serve.jwt_secret"),
					AllowDevLogin: devLogin,
					Logger:        logger,
				}
				if authCfg.JWTSecret == "" {
					logger.Warn("serve.jwt_secret is empty; mutating endpoints are unauthenticated")
				}
				handler, err := server.New(server.Config{
					Runner:   rn,
					Sessions: app.NewSessions(rn),
					BasePath: basePath,
					Auth:     authCfg,
					Log:      logger,
				})
				if err != nil {
					return err
				}

				var hooks []server.WebhookConfig
				if err := viper.UnmarshalKey("webhooks", &hooks); err != nil {
					return fmt.Errorf("webhooks config: %w", err)
				}
				dispatcher := &server.WebhookDispatcher{Repo: r, Hooks: hooks, Log: logger}
				dispatcher.Start(ctx)

				addr := viper.GetString("serve.addr")
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving coverline API", "addr", addr, "base_path", basePath, "webhooks", len(hooks))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	_ = viper.BindPFlag("serve.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (empty disables auth)")
	_ = viper.BindPFlag("serve.jwt_secret", cmd.Flags().Lookup("jwt-secret"))
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login for local testing")
	return cmd
}
