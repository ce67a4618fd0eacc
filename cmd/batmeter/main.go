package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gonum.org/v1/plot/vg"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
	"github.com/cptspacemanspiff/batmeter/internal/config"
	dbussvc "github.com/cptspacemanspiff/batmeter/internal/dbus"
	"github.com/cptspacemanspiff/batmeter/internal/plot"
	"github.com/cptspacemanspiff/batmeter/internal/sampler"
	"github.com/cptspacemanspiff/batmeter/internal/series"
	"github.com/cptspacemanspiff/batmeter/internal/storage"
)

type options struct {
	configPath string
	logOnly    bool
	plotOnly   bool
	importPath string
	writeCfg   string
	dbus       bool
	verbose    bool
	logTopics  string

	fs *pflag.FlagSet
	// Values of the flags that override config file entries.
	interval int
	battery  []string
	database string
	output   string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	def := config.DefaultConfig()
	opts := &options{}

	fs := pflag.NewFlagSet("batmeter", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Log and plot battery measurements of your notebook.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Usage: batmeter [flags]")
		fs.PrintDefaults()
	}

	fs.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	fs.BoolVarP(&opts.logOnly, "log-only", "l", false, "only log; do not plot")
	fs.BoolVarP(&opts.plotOnly, "plot-only", "p", false, "only plot stored data; do not log")
	fs.IntVarP(&opts.interval, "interval", "i", def.Collection.IntervalSeconds, "logging interval in seconds")
	fs.StringSliceVarP(&opts.battery, "battery", "b", def.Collection.Devices, "device name(s) under /sys/class/power_supply/ (repeatable or comma-separated)")
	fs.StringVarP(&opts.database, "database", "d", def.Storage.DBPath, "SQLite database file")
	fs.StringVarP(&opts.output, "output", "o", def.Plot.OutputDir, "directory for plot PNGs")
	fs.StringVar(&opts.importPath, "import", "", "import a TinyDB JSON log into the database and exit")
	fs.StringVar(&opts.writeCfg, "write-config", "", "write the merged configuration to this TOML file and exit")
	fs.BoolVar(&opts.dbus, "dbus", false, "export the query service on the session bus while logging")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable all verbose logging (equivalent to --log=all)")
	fs.StringVar(&opts.logTopics, "log", "", "comma-separated log topics: "+strings.Join(logTopics, ",")+" (or 'all')")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments %q; pass several batteries as -b BAT0,BAT1", fs.Args())
	}
	if opts.logOnly && opts.plotOnly {
		return nil, errors.New("--log-only and --plot-only are mutually exclusive")
	}
	opts.fs = fs
	return opts, nil
}

// loadConfig merges defaults, the optional config file and explicitly set
// flags, in that order.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.configPath, err)
		}
	}

	if opts.fs.Changed("interval") {
		cfg.Collection.IntervalSeconds = opts.interval
	}
	if opts.fs.Changed("battery") {
		cfg.Collection.Devices = opts.battery
	}
	if opts.fs.Changed("database") {
		cfg.Storage.DBPath = opts.database
	}
	if opts.fs.Changed("output") {
		cfg.Plot.OutputDir = opts.output
	}
	return config.NormalizeAndValidate(cfg)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "batmeter:", err)
		return 1
	}

	topics := parseTopics(opts.verbose, opts.logTopics)
	logger := newLogger(stderr, topics)
	if unknown := unknownTopics(topics); len(unknown) > 0 {
		logger.Warn("ignoring unknown log topics", "topics", unknown, "known", logTopics)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	if opts.writeCfg != "" {
		if err := config.Save(opts.writeCfg, cfg); err != nil {
			logger.Error("write config failed", "err", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote configuration to %s\n", opts.writeCfg)
		return 0
	}

	ctx := context.Background()

	if opts.importPath != "" {
		if err := importTinyDB(ctx, cfg, opts.importPath, logger, stdout); err != nil {
			logger.Error("import failed", "err", err)
			return 1
		}
		return 0
	}

	if !opts.plotOnly {
		if err := logBatteries(ctx, cfg, opts, logger, stdout); err != nil {
			logger.Error("logging failed", "err", err)
			return 1
		}
	}
	if opts.logOnly {
		return 0
	}

	if err := plotBatteries(ctx, cfg, logger, stdout); err != nil {
		logger.Error("plotting failed", "err", err)
		return 1
	}
	return 0
}

func logBatteries(ctx context.Context, cfg *config.Config, opts *options, logger *slog.Logger, stdout io.Writer) error {
	store, err := storage.Open(cfg.Storage.DBPath, storage.ReadWrite, storage.WithLogger(logger.With("topic", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	// Validated by config.NormalizeAndValidate.
	skip, err := sampler.ParseSkipPolicy(cfg.Collection.SkipPolicy)
	if err != nil {
		return err
	}

	stop := sampler.NewStopFlag()
	unwatch := sampler.Notify(stop)
	defer unwatch()

	var wake <-chan struct{}
	if mon, err := collector.NewResumeMonitor(logger.With("topic", "resume")); err != nil {
		logger.Warn("resume monitor unavailable", "err", err)
	} else {
		wake = mon.Wake()
		defer mon.Close()
	}

	if opts.dbus {
		svc := dbussvc.NewService(store, logger.With("topic", "dbus"))
		conn, err := svc.Export()
		if err != nil {
			return fmt.Errorf("export dbus service: %w", err)
		}
		defer conn.Close()
	}

	reader := collector.NewReader(cfg.Collection.SysfsRoot)
	warnMissingDevices(reader, cfg.Collection.Devices, logger)

	loop, err := sampler.New(reader, store, stop, sampler.Options{
		Devices:    cfg.Collection.Devices,
		Interval:   time.Duration(cfg.Collection.IntervalSeconds) * time.Second,
		ShouldSkip: skip,
		Wake:       wake,
		Logger:     logger.With("topic", "sampler"),
	})
	if err != nil {
		return err
	}

	logger.Info("batmeter started",
		"db", store.Path(),
		"devices", cfg.Collection.Devices,
		"interval_secs", cfg.Collection.IntervalSeconds)
	fmt.Fprintln(stdout, "Logging ... (interrupt with Ctrl+C)")

	res, err := loop.Run(ctx)
	fmt.Fprintf(stdout, "... until now. (%d datapoints taken)\n", res.Stored)
	return err
}

// warnMissingDevices logs configured devices that are not listed as
// batteries. The loop still reads them; a missing one fails the first sweep.
func warnMissingDevices(reader *collector.Reader, devices []string, logger *slog.Logger) {
	present, err := reader.Devices()
	if err != nil {
		logger.Warn("list power supplies", "err", err)
		return
	}
	for _, d := range devices {
		if !slices.Contains(present, d) {
			logger.Warn("configured device is not a listed battery", "device", d, "batteries", present)
		}
	}
}

func plotBatteries(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	store, err := storage.Open(cfg.Storage.DBPath, storage.ReadOnly, storage.WithLogger(logger.With("topic", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := series.Assemble(ctx, store, cfg.Collection.Devices)
	if err != nil {
		return err
	}

	plotLog := logger.With("topic", "plot")
	sink := &plot.PNGSink{
		Dir:    cfg.Plot.OutputDir,
		Width:  vg.Length(cfg.Plot.WidthInches) * vg.Inch,
		Height: vg.Length(cfg.Plot.HeightInches) * vg.Inch,
		Logger: plotLog,
	}
	if err := sink.Present(all); err != nil {
		return err
	}

	written := 0
	for _, ts := range all {
		if len(ts.Points) > 0 {
			written++
		}
		if ts.Excluded > 0 {
			logger.Warn("records excluded from plot", "label", ts.Label, "excluded", ts.Excluded)
		}
	}
	fmt.Fprintf(stdout, "%d plot(s) written to %s\n", written, cfg.Plot.OutputDir)
	return nil
}

func importTinyDB(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	store, err := storage.Open(cfg.Storage.DBPath, storage.ReadWrite, storage.WithLogger(logger.With("topic", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ImportTinyDB(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d records from %s\n", n, path)
	return nil
}
