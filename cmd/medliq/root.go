package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medliq-cloud/internal/config"
	"medliq-cloud/internal/logging"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "medliq",
		Short:         "Medical liquidation engine: settlements, adjustments and deductions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newSeedCmd(flags),
		newSettleCmd(flags),
		newChargesCmd(flags),
		newAllocateCmd(flags),
		newTokenCmd(flags),
	)
	return cmd
}

// bootstrap loads and validates config and builds the logger.
func bootstrap(flags *rootFlags, needDB bool) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(needDB); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
