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

	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/server"
)

const serveLongDesc string = `Run the relay server.

Routes:
  GET    /health
  POST   /api/chat                         Stream a reply as server-sent events
  GET    /api/conversations                List conversations
  POST   /api/conversations                Create a conversation
  GET    /api/conversations/{id}/messages  Conversation history
  GET    /api/vector-stores                List vector stores
  GET    /api/models                       List models
  GET    /api/health/key                   Validate the API key

When access_token is set every /api/ route requires
"Authorization: Bearer <token>".`

type serveCommander struct {
	flags       *globalFlags
	host        string
	port        int
	accessToken string
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmder := &serveCommander{flags: flags}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}
	cmd.Flags().StringVar(&cmder.host, "host", "", "Bind host (default from settings)")
	cmd.Flags().IntVar(&cmder.port, "port", 0, "Listen port (default from settings)")
	cmd.Flags().StringVar(&cmder.accessToken, "access-token", "", "Require this bearer token on /api/ routes")
	return cmd
}

func (c *serveCommander) run(cmd *cobra.Command) error {
	a, err := openApp(cmd.Context(), c.flags, appOptions{logFile: true})
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if c.host != "" {
		cfg.Host = c.host
	}
	if c.port != 0 {
		cfg.Port = c.port
	}
	if c.accessToken != "" {
		cfg.AccessToken = c.accessToken
	}
	if cfg.APIKey == "" {
		a.logger.Warn("no API key configured; chat requests will fail until one is set")
	}

	srv := server.New(cfg, server.Deps{
		Store:         a.store,
		Conversations: a.conversations,
		Vectors:       a.vectors,
		Models:        a.registry,
		Limits:        a.limits,
		CheckKey: func(ctx context.Context) models.Health {
			return models.CheckKey(ctx, a.sdk)
		},
		Logger: a.logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	a.logger.Info("elements starting",
		"addr", srv.Addr(),
		"safe_mode", cfg.SafeMode,
		"vector", cfg.Vector,
		"web_search", cfg.WebSearch,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("server error", "error", err)
		return err
	}
	return nil
}
