package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/Sternrassler/music-cache/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile  string
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "music-cache",
		Short:         "Audio range proxy and preload cache for a web music player",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")

	cmd.AddCommand(newServeCmd(), newWarmCmd(), newSettingsCmd())
	return cmd
}

// setup loads the dotenv file and configures the global logger. A missing
// dotenv file is not an error; existing environment variables win.
func (o *rootOptions) setup() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}

	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: level, Pretty: o.pretty})
	return nil
}
