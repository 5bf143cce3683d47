package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asset-optimizer/internal/config"
	"asset-optimizer/internal/inspect"
	"asset-optimizer/internal/logger"
	"asset-optimizer/internal/metadata"
	"asset-optimizer/internal/optimizer"
	"asset-optimizer/internal/watcher"
	"asset-optimizer/internal/web"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile      string
	verbose      bool
	quiet        bool
	policy       string
	threshold    float64
	quality      int
	subdirs      []string
	recursive    bool
	exclude      []string
	dryRun       bool
	background   string
	reportFormat string
	jsonOutput   bool
	initialRun   bool
	port         int
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootCmd runs one optimization batch.
var rootCmd = &cobra.Command{
	Use:   "asset-optimizer [directory]",
	Short: "Recompress oversized PNG and JPEG assets",
	Long: `asset-optimizer walks a directory (and optionally named subdirectories)
and re-encodes every PNG or JPEG larger than a size threshold.

Policies:
- preserve: PNG files are re-saved losslessly, JPEG files are re-encoded
  at the configured quality. Paths never change. (default)
- convert:  every oversized image becomes a .jpg and the original is
  removed. Transparency is flattened onto the background colour.

A failure on one file never aborts the batch.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOptimize(cmd, args)
	},
}

// scanCmd shows what a batch would do without touching any file.
var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "List the assets a batch would recompress or convert",
	Long: `Scan the specified directory (or current directory) and print, for every
oversized asset, what the configured policy would do with it. Nothing is
written or removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd, args)
	},
}

// inspectCmd prints header and EXIF information for one file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format, dimensions and EXIF details of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd, args[0])
	},
}

// watchCmd re-optimizes assets as they appear.
var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Optimize new or rewritten assets until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args)
	},
}

// serveCmd starts the HTTP and WebSocket API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts an HTTP server that runs batches on request and streams
per-asset progress over a WebSocket at /ws.

Endpoints: GET /api/status, POST /api/optimize, POST /api/stop,
GET /api/report, GET /api/assets?path=, GET /api/policies`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	pf.BoolVar(&verbose, "verbose", false, "enable verbose logging")
	pf.BoolVar(&quiet, "quiet", false, "suppress progress output and non-error logs")

	pf.StringVar(&policy, "policy", config.PolicyPreserve, "re-encoding policy: preserve or convert")
	pf.Float64Var(&threshold, "threshold", 100, "size threshold in KB; smaller files are skipped")
	pf.IntVar(&quality, "quality", 75, "JPEG quality (0-100)")
	pf.StringArrayVar(&subdirs, "subdir", nil, "immediate subdirectory to include (repeatable)")
	pf.BoolVar(&recursive, "recursive", false, "process the whole directory tree")
	pf.StringArrayVar(&exclude, "exclude", nil, "glob pattern of files to leave alone (repeatable)")
	pf.StringVar(&background, "background", "#ffffff", "background colour used when flattening transparency")

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing anything")
	rootCmd.Flags().StringVar(&reportFormat, "report-format", "", "print a full report after the batch: text, json or yaml")

	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")
	watchCmd.Flags().BoolVar(&initialRun, "initial", false, "run a full batch before watching")
	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

// runOptimize executes one batch and prints the per-asset progress lines.
func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	warnLossy(cfg, log)

	preserver := metadata.New(cfg.Metadata.Preserve, cfg.Metadata.Marker, log)
	defer preserver.Close()

	opts, err := optimizer.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt := optimizer.NewOptimizer(log, progressWriter(), preserver)
	rep, err := opt.Run(ctx, opts)
	if err != nil {
		if rep != nil && errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted: "+rep.SummaryLine())
		}
		return fmt.Errorf("optimization failed: %w", err)
	}

	if reportFormat != "" && !quiet {
		fmt.Println()
		if err := rep.Render(os.Stdout, reportFormat); err != nil {
			return err
		}
	}

	return nil
}

// runScan performs a dry run and prints the aggregated result.
func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Optimization.DryRun = true

	fmt.Fprintf(os.Stderr, "Scanning directory: %s\n", cfg.Directory)

	log := setupLogger(cfg)
	opts, err := optimizer.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	opt := optimizer.NewOptimizer(log, progressWriter(), nil)
	rep, err := opt.Run(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n==================================================")
		fmt.Println("SCAN RESULTS")
		fmt.Println("==================================================")
		fmt.Println("\n" + rep.GetSummary())
	}

	return nil
}

// runInspect prints what the optimizer knows about a single file.
func runInspect(cmd *cobra.Command, filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	log := setupLogger(cfg)

	inspector := inspect.NewInspector(log)
	info, err := inspector.Inspect(filePath)
	if err != nil {
		return err
	}
	marked := inspector.HasMarker(filePath, cfg.Metadata.Marker)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*inspect.AssetInfo
			Marked bool `json:"marked"`
		}{info, marked})
	}

	fmt.Printf("File:        %s\n", info.Path)
	fmt.Printf("Size:        %s (%.2f KB)\n", humanize.IBytes(uint64(info.Size)), info.SizeKB())
	fmt.Printf("Modified:    %s (%s)\n", info.ModTime.Format("2006-01-02 15:04:05"), humanize.Time(info.ModTime))
	fmt.Printf("Format:      %s (decoded as %s)\n", info.Format, info.Decoded)
	fmt.Printf("Dimensions:  %dx%d\n", info.Width, info.Height)
	fmt.Printf("Color model: %s\n", info.ColorModel)
	fmt.Printf("Alpha:       %t\n", info.HasAlpha)
	fmt.Printf("Over threshold (%.0f KB): %t\n", cfg.Optimization.ThresholdKB, info.SizeKB() > cfg.Optimization.ThresholdKB)
	fmt.Printf("Optimized marker: %t\n", marked)

	if x := info.EXIF; x != nil {
		fmt.Println("EXIF:")
		if x.DateTime != nil {
			fmt.Printf("  Date:        %s\n", x.DateTime.Format("2006-01-02 15:04:05"))
		}
		if x.Make != "" || x.Model != "" {
			fmt.Printf("  Camera:      %s %s\n", x.Make, x.Model)
		}
		if x.Software != "" {
			fmt.Printf("  Software:    %s\n", x.Software)
		}
		if x.Orientation != 0 {
			fmt.Printf("  Orientation: %d\n", x.Orientation)
		}
	}

	return nil
}

// runWatch processes assets as they are written until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	warnLossy(cfg, log)

	preserver := metadata.New(cfg.Metadata.Preserve, cfg.Metadata.Marker, log)
	defer preserver.Close()

	opts, err := optimizer.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt := optimizer.NewOptimizer(log, progressWriter(), preserver)
	if initialRun {
		if _, err := opt.Run(ctx, opts); err != nil {
			return fmt.Errorf("initial batch failed: %w", err)
		}
	}

	w := watcher.NewWatcher(opt, opts, log, cfg.Watch.Debounce, cfg.Watch.Cooldown)
	if !quiet {
		fmt.Fprintf(os.Stderr, "Watching %s (press Ctrl+C to stop)\n", cfg.Directory)
	}
	return w.Run(ctx)
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	preserver := metadata.New(cfg.Metadata.Preserve, cfg.Metadata.Marker, log)
	defer preserver.Close()

	server := web.NewServer(cfg, log, func(hook optimizer.ProgressHook) optimizer.BatchOptimizer {
		return optimizer.NewOptimizerWithHook(log, io.Discard, preserver, hook)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if !quiet {
		fmt.Printf("Asset optimizer API listening on http://localhost:%d\n", cfg.Server.Port)
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if !quiet {
		fmt.Println("Server stopped gracefully")
	}
	return nil
}

// loadConfig loads configuration, applies CLI overrides and checks the
// target directory.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Directory = args[0]
	}
	if cfg.Directory == "" {
		cfg.Directory = "."
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if !dirExists(cfg.Directory) {
		return nil, fmt.Errorf("%w: %s", optimizer.ErrDirectoryNotFound, cfg.Directory)
	}

	return cfg, nil
}

// applyFlags overrides configuration values with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("policy") {
		cfg.Optimization.Policy = policy
	}
	if flags.Changed("threshold") {
		cfg.Optimization.ThresholdKB = threshold
	}
	if flags.Changed("quality") {
		cfg.Optimization.Quality = quality
	}
	if flags.Changed("subdir") {
		cfg.Subdirectories = subdirs
	}
	if flags.Changed("recursive") {
		cfg.Recursive = recursive
	}
	if flags.Changed("exclude") {
		cfg.Exclude = exclude
	}
	if flags.Changed("background") {
		cfg.Optimization.Background = background
	}
	if flags.Changed("dry-run") {
		cfg.Optimization.DryRun = dryRun
	}
	return cfg.Validate()
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    verbose,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
		loggerCfg.Console = true
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// progressWriter is where the per-asset progress lines go.
func progressWriter() io.Writer {
	if quiet {
		return io.Discard
	}
	return os.Stdout
}

func warnLossy(cfg *config.Config, log *logrus.Logger) {
	if !cfg.IsConvertPolicy() || cfg.Optimization.DryRun {
		return
	}
	log.Warn("convert policy: transparency is flattened and originals are removed")
	if !quiet {
		fmt.Fprintln(os.Stderr, "Warning: the convert policy flattens transparency and removes the original files.")
	}
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
