// Package cmd implements the sniper command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/internal/config"
	"github.com/jdziat/sniper/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "sniper",
	Short: "LinkedIn outreach job scheduler",
	Long: `sniper runs LinkedIn outreach jobs: discovering post engagers, sending
connection requests and messages, within per-workspace rate budgets and
active hours.

Configuration is read from --config (YAML or TOML) and SNIPER_* environment
variables, e.g. SNIPER_DATABASE_DSN or SNIPER_REDIS_ADDR.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or TOML)")
}

// Execute runs the root command until ctx ends.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(*cobra.Command, []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	l, err := logging.New(c.Log.Mode, c.Log.Level)
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}
