package server

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// StartHttpServer serves router on address until ctx is cancelled, then shuts down gracefully.
func StartHttpServer(ctx context.Context, logger hclog.Logger, address string, defaultRouter http.Handler) error {
	server := &http.Server{
		Addr:     address,
		Handler:  defaultRouter,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting status server", "address", address)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return errors.Wrapf(err, "status server on %s", address)
	case <-ctx.Done():
	}

	logger.Info("Shutting down status server")

	// wait max 30 seconds for current requests to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}
