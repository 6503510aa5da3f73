// Command synapse-relayd runs a single signal relay node: the UDP
// listener, the REST/WebSocket API, and every background ticker, all
// wired together and run until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/synapse-relay/node/internal/api"
	"github.com/synapse-relay/node/internal/config"
	"github.com/synapse-relay/node/internal/database"
	"github.com/synapse-relay/node/internal/engine"
	"github.com/synapse-relay/node/internal/rpc"
	"github.com/synapse-relay/node/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	logger = logger.With(zap.String("component", "synapse-relay"))
	defer logger.Sync()

	cfg := config.Load()

	db, err := database.New(database.Config{
		Type:     cfg.DatabaseType,
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DatabaseMaxConns,
	}, logger)
	if err != nil {
		logger.Fatal("synapse-relayd: failed to open database", zap.Error(err))
	}

	st, err := store.New(db, logger)
	if err != nil {
		logger.Fatal("synapse-relayd: failed to migrate store", zap.Error(err))
	}

	node, err := engine.New(cfg, st, logger)
	if err != nil {
		logger.Fatal("synapse-relayd: failed to assemble node", zap.Error(err))
	}

	svc := rpc.New(node.Relay(), node.Rules(), node.Buffer(), node.Stats(), logger)
	apiAddr := net.JoinHostPort(cfg.APIHost, fmt.Sprintf("%d", cfg.APIPort))
	apiServer := api.New(svc, node.Bus(), logger, apiAddr)

	if err := engine.RunWithSignals(func(ctx context.Context) error {
		apiErrCh := make(chan error, 1)
		go func() { apiErrCh <- apiServer.ListenAndServe() }()

		nodeErrCh := make(chan error, 1)
		go func() { nodeErrCh <- node.Run(ctx) }()

		select {
		case <-ctx.Done():
			_ = apiServer.Shutdown(context.Background())
			return <-nodeErrCh
		case err := <-nodeErrCh:
			_ = apiServer.Shutdown(context.Background())
			return err
		case err := <-apiErrCh:
			return fmt.Errorf("api server: %w", err)
		}
	}); err != nil {
		logger.Error("synapse-relayd: exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("synapse-relayd: shutdown complete")
}
