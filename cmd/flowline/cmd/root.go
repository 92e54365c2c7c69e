// Package cmd wires the flowline CLI.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wrenware/flowline/internal/config"
)

var (
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "flowline",
	Short: "Execution record lifecycle service with live push updates",
	Long: `flowline tracks workflow execution records through their lifecycle,
serves a query API over them, and streams state changes to connected
clients over server-sent events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().String("log-level", "",
		"log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}
