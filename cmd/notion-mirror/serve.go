package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notionmirror/internal/config"
	"github.com/agentworkforce/notionmirror/internal/httpapi"
	"github.com/agentworkforce/notionmirror/internal/mirror"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, poller and operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, cleanup, err := buildService(opts, serviceSettings{
				workers:         true,
				autoInitialSync: boolEnv("NOTION_MIRROR_AUTO_INITIAL_SYNC", true),
			})
			if err != nil {
				return err
			}
			defer cleanup()

			watcher, err := config.StartWatcher(ctx, config.WatcherOptions{
				Path:   opts.connectionsFile,
				Logger: log.Default(),
				Apply: func(conns []mirror.Connection) {
					svc.SetConnections(ctx, conns)
				},
			})
			if err != nil {
				log.Printf("connections watcher disabled: %v", err)
			} else {
				defer watcher.Close()
			}

			server, err := httpapi.NewServer(svc, httpapi.ServerConfig{
				JWTSecret:          os.Getenv("NOTION_MIRROR_JWT_SECRET"),
				WebhookSecret:      os.Getenv("NOTION_MIRROR_WEBHOOK_SECRET"),
				InternalHMACSecret: os.Getenv("NOTION_MIRROR_INTERNAL_HMAC_SECRET"),
				InternalMaxSkew:    durationEnv("NOTION_MIRROR_INTERNAL_MAX_SKEW", 5*time.Minute),
				RateLimitMax:       intEnv("NOTION_MIRROR_RATE_LIMIT_MAX", 0),
				RateLimitWindow:    durationEnv("NOTION_MIRROR_RATE_LIMIT_WINDOW", time.Minute),
				MaxBodyBytes:       int64(intEnv("NOTION_MIRROR_MAX_BODY_BYTES", 0)),
				Logger:             log.Default(),
			})
			if err != nil {
				return err
			}

			go svc.Run(ctx)

			httpServer := &http.Server{Addr: addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				log.Printf("notion-mirror listening on %s connections=%d", addr, len(svc.Connections()))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				log.Printf("notion-mirror stopping: %v", ctx.Err())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("NOTION_MIRROR_ADDR", ":8080"), "listen address")
	return cmd
}
