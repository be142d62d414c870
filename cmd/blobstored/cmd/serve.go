package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agenthands/blobstore/pkg/blobstore"
	"github.com/agenthands/blobstore/pkg/storageserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	store, err := blobstore.Open(ctx, cfg, blobstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	namespace := strings.Trim(viper.GetString("namespace"), "/")
	srv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           newHandler(store, namespace, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	logger.Info("blobstored listening", "addr", srv.Addr, "backend", cfg.Backend, "namespace", namespace)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		logger.Info("blobstored stopped")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// newHandler mounts the storage API for one namespace.
func newHandler(store blobstore.Backend, namespace string, logger *slog.Logger) http.Handler {
	prefix := "/api/v1/storage/" + namespace
	mux := http.NewServeMux()
	mux.Handle(prefix+"/", http.StripPrefix(prefix, storageserver.New(store, storageserver.Options{Logger: logger})))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
