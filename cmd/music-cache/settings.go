package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/music-cache/pkg/audiocache"
	"github.com/Sternrassler/music-cache/pkg/coordinator"
	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	var settingsFile string

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or seed the cache settings",
	}
	cmd.PersistentFlags().StringVar(&settingsFile, "settings-file", "", "local settings file (default: user config dir)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged settings (defaults, local file, Gist)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := settingsCoordinator(cfg, settingsFile)
			if err != nil {
				return err
			}
			defer coord.Close()

			s, err := coord.Stored(cmd.Context())
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		},
	}

	seed := &cobra.Command{
		Use:   "init",
		Short: "Write the CACHE_* environment values to the local file and the Gist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := settingsCoordinator(cfg, settingsFile)
			if err != nil {
				return err
			}
			// Close waits for the background Gist write.
			defer coord.Close()

			if err := coord.Update(cmd.Context(), cfg.Cache); err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), coord.Settings())
		},
	}

	cmd.AddCommand(show, seed)
	return cmd
}

func settingsCoordinator(cfg Config, path string) (*coordinator.Coordinator, error) {
	local, remote, err := cfg.settingsStores(path)
	if err != nil {
		return nil, err
	}
	engine, err := audiocache.New(audiocache.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return coordinator.New(engine, coordinator.Config{Local: local, Remote: remote}), nil
}

func printSettings(out io.Writer, s coordinator.Settings) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coordinator.PatchFrom(s)); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return nil
}
