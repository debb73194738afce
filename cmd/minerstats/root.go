package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/logging"
)

var loadEnvFunc = godotenv.Load

// cli holds state shared by every subcommand
type cli struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "minerstats",
		Short:         "Mining pool profitability time series",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log level defined in config")

	root.AddCommand(
		newServeCmd(c),
		newSweepCmd(c),
		newPublishCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	if err := loadEnvFunc(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	c.cfg = cfg
	c.logger = logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	log.Logger = c.logger
	return nil
}
