package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/music-cache/pkg/audiocache"
	"github.com/Sternrassler/music-cache/pkg/coordinator"
	"github.com/Sternrassler/music-cache/pkg/resolver"
	"github.com/Sternrassler/music-cache/pkg/track"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type warmOptions struct {
	start        int
	baseURL      string
	loadMethod   string
	customProxy  string
	settingsFile string
	ahead        bool
}

func newWarmCmd() *cobra.Command {
	opts := &warmOptions{}

	cmd := &cobra.Command{
		Use:   "warm <playlist.json>",
		Short: "Fill the persistent store with a playlist, up to the cache capacity",
		Long: `Fill the persistent store with a playlist.

By default tracks are loaded from --start onwards until the cache capacity
(maxCacheSize) is reached. With --ahead only the preloadCount tracks
following --start are loaded, the same batch a player warms while a track
is playing.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tracks, err := readPlaylist(args[0])
			if err != nil {
				return err
			}
			return runWarm(cmd.Context(), cmd.OutOrStdout(), cfg, tracks, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.start, "start", 0, "playlist index to start from")
	flags.StringVar(&opts.baseURL, "base-url", "", "origin used for relative fetch URLs (default PUBLIC_URL)")
	flags.StringVar(&opts.loadMethod, "load-method", string(resolver.LoadAuto), "auto, direct or custom")
	flags.StringVar(&opts.customProxy, "custom-proxy", "", "proxy URL for --load-method=custom")
	flags.StringVar(&opts.settingsFile, "settings-file", "", "local settings file (default: user config dir)")
	flags.BoolVar(&opts.ahead, "ahead", false, "only warm the preloadCount tracks after --start instead of filling the cache")
	return cmd
}

// readPlaylist accepts a JSON array of tracks or an object with a "tracks"
// array.
func readPlaylist(path string) ([]track.Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	var tracks []track.Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		var doc struct {
			Tracks []track.Track `json:"tracks"`
		}
		if err2 := json.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("decode playlist %s: %w", path, err)
		}
		tracks = doc.Tracks
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("playlist %s has no tracks", path)
	}
	return tracks, nil
}

func runWarm(ctx context.Context, out io.Writer, cfg Config, tracks []track.Track, opts *warmOptions) error {
	logger := log.With().Str("component", "warm").Logger()

	b, err := cfg.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	if cfg.StoreBackend == backendMemory {
		logger.Warn().Msg("STORE_BACKEND=memory: warmed responses are lost when the command exits")
	}

	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = cfg.PublicURL
	}

	engineCfg := audiocache.DefaultConfig()
	engineCfg.BaseURL = baseURL
	engineCfg.Settings = resolver.Settings{
		LoadMethod:     resolver.LoadMethod(opts.loadMethod),
		CustomProxyURL: opts.customProxy,
	}
	engine, err := audiocache.New(engineCfg,
		audiocache.WithStorage(b.storage),
		audiocache.WithResolver(resolver.New(resolver.Options{Origin: baseURL})),
	)
	if err != nil {
		return err
	}
	defer engine.Dispose()

	local, remote, err := cfg.settingsStores(opts.settingsFile)
	if err != nil {
		return err
	}
	coord := coordinator.New(engine, coordinator.Config{Local: local, Remote: remote})
	defer coord.Close()

	settings, err := coord.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var scheduled int
	if opts.ahead {
		if err := coord.PreloadAhead(ctx, tracks, opts.start); err != nil {
			return fmt.Errorf("preload ahead: %w", err)
		}
		scheduled = min(settings.PreloadCount, len(tracks))
	} else {
		scheduled = engine.PreloadUntilFull(ctx, tracks, opts.start)
	}
	engine.Wait()

	var cached int
	var size int64
	for _, t := range tracks {
		if h := engine.GetCached(t); h != nil {
			cached++
			size += h.Size()
		}
	}

	logger.Info().
		Int("scheduled", scheduled).
		Int("cached", cached).
		Int64("bytes", size).
		Int("max_cache_size", settings.MaxCacheSize).
		Msg("Warm run finished")

	fmt.Fprintf(out, "Warmed %d of %d tracks (%s, capacity %d)\n",
		cached, len(tracks), humanize.Bytes(uint64(size)), settings.MaxCacheSize)
	return nil
}
