package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Timeouts for the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts leave room for a full sync inside one request.
var DefaultTimeouts = Timeouts{
	Read:     15 * time.Second,
	Write:    120 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 15 * time.Second,
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler, to Timeouts, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       to.Read,
		ReadHeaderTimeout: to.Read,
		WriteTimeout:      to.Write,
		IdleTimeout:       to.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), to.Shutdown)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("http server stopped")
	return nil
}
