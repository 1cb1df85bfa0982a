package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pspoerri/rasterband/internal/blockcache"
	"github.com/pspoerri/rasterband/internal/cog"
	"github.com/pspoerri/rasterband/internal/config"
	"github.com/pspoerri/rasterband/internal/encode"
	"github.com/pspoerri/rasterband/internal/raster"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type flags struct {
	stats       bool
	approx      bool
	hist        bool
	buckets     int
	minMaxLoc   bool
	ifds        bool
	progress    bool
	preview     string
	format      string
	size        int
	bands       string
	ramp        string
	quality     int
	resampling  string
	cacheMax    string
	strategy    string
	verbose     bool
	showVersion bool
}

func main() {
	var f flags
	flag.BoolVar(&f.stats, "stats", false, "Compute and print band statistics")
	flag.BoolVar(&f.approx, "approx", false, "Allow approximate statistics from overviews or sampled blocks")
	flag.BoolVar(&f.hist, "hist", false, "Compute and print a histogram per band")
	flag.IntVar(&f.buckets, "buckets", 0, "Histogram bucket count over the band's value range (0 = default histogram)")
	flag.BoolVar(&f.minMaxLoc, "mm", false, "Print the location of the minimum and maximum per band")
	flag.BoolVar(&f.ifds, "ifds", false, "Print the TIFF directory structure")
	flag.BoolVar(&f.progress, "progress", false, "Show a progress bar for long computations")
	flag.StringVar(&f.preview, "preview", "", "Write a quicklook image to this file")
	flag.StringVar(&f.format, "format", "", "Quicklook encoding: png, jpeg, webp, terrarium (default: from file extension)")
	flag.IntVar(&f.size, "size", encode.DefaultSize, "Longer edge of the quicklook in pixels")
	flag.StringVar(&f.bands, "bands", "", "Comma-separated band indices for the quicklook (1 or 3)")
	flag.StringVar(&f.ramp, "ramp", "", "Color ramp for single-band quicklooks: "+strings.Join(encode.RampNames(), ", "))
	flag.IntVar(&f.quality, "quality", encode.DefaultQuality, "JPEG/WebP quality 1-100 (100 writes lossless WebP)")
	flag.StringVar(&f.resampling, "resampling", "average", "Resampling for decimated reads")
	flag.StringVar(&f.cacheMax, "cachemax", "", "Block cache ceiling, e.g. 512MB or 5% (default: "+config.EnvCacheMax+" or RAM-derived)")
	flag.StringVar(&f.strategy, "strategy", "", "Block cache strategy: AUTO, ARRAY, HASHSET")
	flag.BoolVar(&f.verbose, "v", false, "Debug logging, including block cache counters")
	flag.BoolVar(&f.showVersion, "version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rasterinfo [flags] <file.tif | http(s)://url>\n\n")
		fmt.Fprintf(os.Stderr, "Describe a GeoTIFF/COG raster and its bands.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if f.showVersion {
		fmt.Printf("rasterinfo %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if f.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Stdout, flag.Arg(0), f, logger); err != nil {
		level.Error(logger).Log("msg", "rasterinfo failed", "err", err)
		os.Exit(1)
	}
}

// buildConfig resolves the environment configuration and applies the
// command line overrides.
func buildConfig(f flags, logger log.Logger) (config.Config, error) {
	cfg, err := config.FromEnv(nil, logger)
	if err != nil {
		return cfg, err
	}
	if f.cacheMax != "" {
		ram, _ := config.TotalSystemRAM()
		if cfg.CacheMax, err = config.ParseCacheMax(f.cacheMax, ram); err != nil {
			return cfg, fmt.Errorf("-cachemax: %w", err)
		}
	}
	if f.strategy != "" {
		s := strings.ToUpper(f.strategy)
		switch s {
		case "AUTO", "ARRAY", "HASHSET":
			cfg.CacheStrategy = s
		default:
			return cfg, fmt.Errorf("-strategy: unknown strategy %q (want AUTO, ARRAY or HASHSET)", f.strategy)
		}
	}
	return cfg, nil
}

func run(ctx context.Context, out io.Writer, path string, f flags, logger log.Logger) error {
	cfg, err := buildConfig(f, logger)
	if err != nil {
		return err
	}
	metrics := prometheus.NewRegistry()
	reg := blockcache.NewRegistry(
		blockcache.WithMaxBytes(cfg.CacheMax),
		blockcache.WithLogger(logger),
		blockcache.WithRegisterer(metrics),
	)
	level.Debug(logger).Log("msg", "block cache", "strategy", cfg.CacheStrategy, "cache_mb", cfg.CacheMax>>20)

	opts := []cog.Option{
		cog.WithLogger(logger),
		cog.WithDatasetOptions(raster.WithRegistry(reg), raster.WithConfig(cfg)),
	}
	file, err := cog.Parse(path, opts...)
	if err != nil {
		return err
	}
	ds, err := file.Dataset(opts...)
	if err != nil {
		file.Close()
		return err
	}
	defer func() {
		if err := ds.Close(); err != nil {
			level.Warn(logger).Log("msg", "closing dataset", "err", err)
		}
		logCacheMetrics(logger, metrics)
	}()

	if f.ifds {
		describeFile(out, file)
	}
	o := reportOptions{
		stats:     f.stats,
		approx:    f.approx,
		hist:      f.hist,
		buckets:   f.buckets,
		minMaxLoc: f.minMaxLoc,
	}
	if f.progress {
		o.progress = func(label string) (raster.ProgressFunc, func()) {
			pb := newProgressBar(ctx, os.Stderr, label)
			return pb.Report, pb.Finish
		}
	}
	if err := describe(out, ds, o); err != nil {
		return err
	}

	if f.preview != "" {
		if err := writePreview(ds, f); err != nil {
			return fmt.Errorf("preview: %w", err)
		}
		level.Info(logger).Log("msg", "wrote preview", "path", f.preview)
	}
	return nil
}

func writePreview(ds *raster.Dataset, f flags) error {
	format := f.format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(f.preview)), ".")
	}
	enc, err := encode.NewEncoder(format, f.quality)
	if err != nil {
		return err
	}
	alg, err := raster.ParseResampling(f.resampling)
	if err != nil {
		return err
	}
	ramp, err := encode.ParseRamp(f.ramp)
	if err != nil {
		return err
	}
	bands, err := parseBands(f.bands)
	if err != nil {
		return err
	}
	opts := encode.QuicklookOptions{Size: f.size, Resampling: alg, ApproxOK: f.approx}
	if f.ramp != "" {
		opts.Ramp = ramp
	}

	var data []byte
	if enc.Format() == "terrarium" {
		band := 1
		if len(bands) > 0 {
			band = bands[0]
		}
		b, err := ds.Band(band)
		if err != nil {
			return err
		}
		img, err := encode.Terrarium(b, opts)
		if err != nil {
			return err
		}
		data, err = enc.Encode(img)
		if err != nil {
			return err
		}
	} else {
		img, err := encode.Quicklook(ds, bands, opts)
		if err != nil {
			return err
		}
		data, err = enc.Encode(img)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(f.preview, data, 0o644)
}

func parseBands(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err != nil {
			return nil, fmt.Errorf("-bands: %q is not a band index", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// logCacheMetrics logs the block cache counters at debug level.
func logCacheMetrics(logger log.Logger, g prometheus.Gatherer) {
	families, err := g.Gather()
	if err != nil {
		level.Warn(logger).Log("msg", "gathering cache metrics", "err", err)
		return
	}
	kv := []any{"msg", "block cache summary"}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			kv = append(kv, strings.TrimPrefix(mf.GetName(), "rasterband_blockcache_"), v)
		}
	}
	level.Debug(logger).Log(kv...)
}
