package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wrenware/flowline/internal/api"
	"github.com/wrenware/flowline/internal/config"
	"github.com/wrenware/flowline/internal/push"
	"github.com/wrenware/flowline/internal/runtime"
	"github.com/wrenware/flowline/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowline HTTP server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address")
	serveCmd.Flags().String("db", "", "sqlite database path")
	serveCmd.Flags().Duration("heartbeat", 0, "push heartbeat interval")
	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("db_path", serveCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("push_heartbeat", serveCmd.Flags().Lookup("heartbeat"))

	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.Load(viper.GetViper())
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("flowline: starting",
		"version", appVersion,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	registry := push.NewRegistry(logger)
	sse := push.NewSSETransport(registry, logger)
	if cfg.Heartbeat > 0 {
		sse.SetHeartbeat(cfg.Heartbeat)
	}
	runner := runtime.NewRunner(db, registry, logger, nil)

	srv := api.NewServer(cfg.ListenAddr, db, runner, registry, sse, nil, logger)

	if err := srv.Run(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
