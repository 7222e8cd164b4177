// Package main implements oasisctl, the operator CLI for Opportunity Oasis.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/logging"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// commandTimeout bounds every command that talks to the database or SMTP
var commandTimeout time.Duration

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oasisctl",
	Short: "Operator tasks for Opportunity Oasis",
	Long: `oasisctl runs maintenance tasks against the Opportunity Oasis database
and mail setup. It reads the same environment (and .env file) as the server.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", 2*time.Minute, "overall command timeout")
}

// env is what most commands need: configuration, a logger and a context
// bounded by --timeout.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	return &env{cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}, nil
}

func (e *env) close() {
	e.cancel()
	_ = e.logger.Sync()
}

func (e *env) connect() (*pgxpool.Pool, *db.Store, error) {
	pool, err := db.Connect(e.ctx, e.cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, db.NewStore(pool, e.cfg.DB.OpTimeout, e.logger), nil
}
