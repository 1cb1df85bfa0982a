// Package config holds process-wide settings for the raster band layer.
// Values come from RASTERBAND_* environment variables and are read once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
)

// Environment variable names.
const (
	EnvBlockCache            = "RASTERBAND_BAND_BLOCK_CACHE"
	EnvForceCaching          = "RASTERBAND_FORCE_CACHING"
	EnvOversamplingThreshold = "RASTERBAND_OVERVIEW_OVERSAMPLING_THRESHOLD"
	EnvCacheMax              = "RASTERBAND_CACHEMAX"
	EnvResampling            = "RASTERBAND_RASTERIO_RESAMPLING"
	EnvStatsTargetSamples    = "RASTERBAND_STATS_TARGET_SAMPLES"
)

// DefaultStatsTargetSamples is the pixel count an overview must exceed to be
// used for approximate statistics.
const DefaultStatsTargetSamples int64 = 10000 * 10000

// Config is the resolved configuration.
type Config struct {
	// CacheStrategy is "AUTO", "ARRAY" or "HASHSET".
	CacheStrategy string
	// ForceCachedIO routes every RasterIO through the block cache even when
	// the driver offers a direct window path.
	ForceCachedIO bool
	// OversamplingThreshold overrides the overview selection threshold.
	// Zero keeps the per-kernel default.
	OversamplingThreshold float64
	// CacheMax is the block cache ceiling in bytes.
	CacheMax int64
	// Resampling is the default RasterIO kernel name; empty means nearest.
	Resampling string
	// StatsTargetSamples drives overview choice for approximate statistics.
	StatsTargetSamples int64
}

// FromEnv builds a Config from the given lookup function. A nil getenv uses
// os.Getenv. CacheMax falls back to DefaultCacheMax when unset.
func FromEnv(getenv func(string) string, logger log.Logger) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Config{
		CacheStrategy:      "AUTO",
		StatsTargetSamples: DefaultStatsTargetSamples,
	}

	if v := strings.TrimSpace(getenv(EnvBlockCache)); v != "" {
		switch strings.ToUpper(v) {
		case "AUTO", "ARRAY", "HASHSET":
			cfg.CacheStrategy = strings.ToUpper(v)
		default:
			return cfg, fmt.Errorf("%s: unknown strategy %q (want AUTO, ARRAY or HASHSET)", EnvBlockCache, v)
		}
	}

	if v := strings.TrimSpace(getenv(EnvForceCaching)); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvForceCaching, err)
		}
		cfg.ForceCachedIO = b
	}

	if v := strings.TrimSpace(getenv(EnvOversamplingThreshold)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvOversamplingThreshold, err)
		}
		if f < 1 {
			return cfg, fmt.Errorf("%s: threshold %g must be >= 1", EnvOversamplingThreshold, f)
		}
		cfg.OversamplingThreshold = f
	}

	if v := strings.TrimSpace(getenv(EnvCacheMax)); v != "" {
		ram, _ := totalSystemRAM()
		n, err := ParseCacheMax(v, ram)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvCacheMax, err)
		}
		cfg.CacheMax = n
	} else {
		cfg.CacheMax = DefaultCacheMax(logger)
	}

	cfg.Resampling = strings.TrimSpace(getenv(EnvResampling))

	if v := strings.TrimSpace(getenv(EnvStatsTargetSamples)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvStatsTargetSamples, err)
		}
		if n <= 0 {
			return cfg, fmt.Errorf("%s: must be positive", EnvStatsTargetSamples)
		}
		cfg.StatsTargetSamples = n
	}

	return cfg, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "1", "YES", "ON", "TRUE":
		return true, nil
	case "0", "NO", "OFF", "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

var (
	defaultOnce sync.Once
	defaultCfg  Config
)

// Default returns the process configuration, reading the environment on the
// first call. Invalid values are replaced by defaults.
func Default() Config {
	defaultOnce.Do(func() {
		cfg, err := FromEnv(nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rasterband: ignoring configuration: %v\n", err)
			cfg, _ = FromEnv(func(string) string { return "" }, nil)
		}
		defaultCfg = cfg
	})
	return defaultCfg
}
