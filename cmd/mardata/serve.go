package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/handlers"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local relay that exposes the open notebook over HTTP and SSE",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	var archive chat.Archive
	var handlerArchive handlers.Archive
	if db := a.openArchive(); db != nil {
		defer db.Close()
		archive = db
		handlerArchive = db
	}

	conversation := a.synchronizer(archive)
	m := handlers.NewMain(conversation, a.api, handlerArchive, a.logger)

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		conversation.Disconnect()
		if err := m.Shutdown(context.Background()); err != nil {
			a.logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		a.logger.Info("Relay starting",
			slog.String("addr", srv.Addr),
			slog.String("backend", a.cfg.BaseURL),
			slog.Bool("signedIn", a.session.Authenticated()))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		a.logger.Error("Server error", slog.String(errLoggerKey, err.Error()))
		return err

	case sig := <-shutdown:
		a.logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				a.logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}
