package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
	"github.com/xkilldash9x/datalayer-validator/internal/server"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
)

// storeProvider opens the persistence backend. Tests inject their own.
type storeProvider interface {
	// Create returns the repository and a cleanup function releasing it.
	Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error)
}

// defaultStoreProvider opens the backend selected by database.driver.
type defaultStoreProvider struct{}

// NewStoreProvider is the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Repository, func(), error) {
	logger := observability.GetLogger()
	repo, err := store.Open(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	cleanup := func() {
		repo.Close()
		logger.Debug("Store closed.")
	}
	return repo, cleanup, nil
}

func newServeCmd(provider storeProvider) *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Long: `Serves the websocket command channel at /ws/browser/{sessionID}/ together with
the session, report and screenshot endpoints under /api/v1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ServerCfg.ListenAddr = listen
			}
			return runServe(ctx, observability.GetLogger(), cfg, provider)
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (overrides server.listen_addr)")
	return serveCmd
}

// runServe blocks until ctx is cancelled, then shuts the server and the store down.
func runServe(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider) error {
	repo, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	logger.Info("Starting server.",
		zap.String("listen_addr", cfg.Server().ListenAddr),
		zap.String("database", cfg.Database().Driver),
	)
	srv := server.New(cfg, repo, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
