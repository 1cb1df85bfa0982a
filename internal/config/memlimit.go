package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	// DefaultCacheFraction is the share of total RAM given to the block cache
	// when no explicit ceiling is configured.
	DefaultCacheFraction = 0.05

	// FallbackCacheMax is used when total RAM cannot be detected.
	FallbackCacheMax int64 = 64 * 1024 * 1024

	// MinCacheMax is the smallest ceiling derived from RAM.
	MinCacheMax int64 = 16 * 1024 * 1024
)

// DefaultCacheMax returns the block cache ceiling derived from total system
// RAM. Returns FallbackCacheMax if RAM detection fails.
func DefaultCacheMax(logger log.Logger) int64 {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	totalRAM, err := totalSystemRAM()
	if err != nil {
		level.Warn(logger).Log("msg", "cannot detect system RAM, using fallback cache size",
			"fallback_mb", FallbackCacheMax>>20, "err", err)
		return FallbackCacheMax
	}
	limit := int64(float64(totalRAM) * DefaultCacheFraction)
	if limit < MinCacheMax {
		limit = MinCacheMax
	}
	level.Debug(logger).Log("msg", "block cache ceiling from RAM",
		"ram_gb", fmt.Sprintf("%.1f", float64(totalRAM)/(1<<30)),
		"cache_mb", limit>>20)
	return limit
}

// ParseCacheMax parses a cache ceiling. Accepted forms:
//
//	"512"   plain number below 100000: megabytes
//	"1048576" plain number from 100000 up: bytes
//	"256MB", "2GB", "640KB", "4096B"
//	"5%"    percentage of totalRAM
func ParseCacheMax(s string, totalRAM uint64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cache size")
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing cache percentage %q: %w", s, err)
		}
		if v <= 0 || v > 100 {
			return 0, fmt.Errorf("cache percentage %q out of range (0,100]", s)
		}
		if totalRAM == 0 {
			return 0, fmt.Errorf("cache percentage %q needs known system RAM", s)
		}
		return int64(float64(totalRAM) * v / 100), nil
	}

	upper := strings.ToUpper(s)
	mult := int64(0)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1},
	} {
		if num, ok := strings.CutSuffix(upper, u.suffix); ok {
			upper = strings.TrimSpace(num)
			mult = u.mult
			break
		}
	}

	v, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cache size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative cache size %q", s)
	}
	if mult == 0 {
		if v < 100000 {
			mult = 1 << 20
		} else {
			mult = 1
		}
	}
	if v > 0 && mult > 1 && v > (1<<62)/mult {
		return 0, fmt.Errorf("cache size %q overflows", s)
	}
	return v * mult, nil
}

// TotalSystemRAM exposes the platform RAM probe.
func TotalSystemRAM() (uint64, error) {
	return totalSystemRAM()
}
