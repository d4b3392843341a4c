package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/ledger"
	"github.com/xkilldash9x/page-agent/internal/server"
	"github.com/xkilldash9x/page-agent/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent and reviewer API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.SetServerListenAddr(listen)
			}
			err := a.serve(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from server.listen_addr)")
	return serveCmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	pages, err := a.launch(ctx, cfg.Browser(), logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer shutdownPages(pages, logger)

	bus := interrupt.NewBus(logger, cfg.Coordinator().EventBuffer)
	defer bus.Close()

	var (
		history server.HistoryStore
		workers []server.Worker
	)
	if cfg.Database().URL != "" {
		pool, err := connectDB(ctx, cfg.Database())
		if err != nil {
			return err
		}
		defer pool.Close()

		l, err := ledger.New(ctx, pool, logger)
		if err != nil {
			return err
		}
		if err := l.EnsureSchema(ctx); err != nil {
			return err
		}
		events, unsubscribe := bus.Subscribe()
		defer unsubscribe()
		workers = append(workers, func(ctx context.Context) error { return l.Run(ctx, events) })
		history = l
	} else {
		logger.Info("No database configured; the decision ledger is disabled.")
	}

	manager := session.NewManager(cfg, pages.NewPage, bus, logger)
	srv := server.New(cfg, manager, bus, history, logger)
	return srv.Run(ctx, workers...)
}

func connectDB(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connectCtx := ctx
	if dbCfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, dbCfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.New(connectCtx, dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}
