package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/platform/tracing"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// serve connects the infrastructure, runs the application until ctx is
// cancelled and then shuts everything down.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	infra, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	app, err := newApplication(cfg, log, infra)
	if err != nil {
		_ = infra.closeAll()
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		_ = app.shutdown(context.Background())
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	return app.run(ctx, listener)
}

// run starts the consumer and serves HTTP on listener until ctx is
// cancelled or the server fails. Shutdown stops the HTTP server first so no
// new commands arrive over HTTP while the consumer drains.
func (app *application) run(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if err := app.start(ctx); err != nil {
		_ = listener.Close()
		_ = app.shutdown(context.Background())
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			app.logger.Error("server failed", slog.String("error", err.Error()))
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := app.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		return errors.Join(runErr, err)
	}

	app.logger.Info("shutdown completed")
	return runErr
}
