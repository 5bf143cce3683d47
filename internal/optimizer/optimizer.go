package optimizer

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"asset-optimizer/internal/config"
	"asset-optimizer/internal/inspect"
	"asset-optimizer/internal/logger"
	"asset-optimizer/internal/metadata"
	"asset-optimizer/internal/report"

	"github.com/sirupsen/logrus"
)

// Policy selects how oversized assets are re-encoded.
type Policy string

const (
	// PolicyConvert re-encodes every oversized asset as a .jpg, flattening
	// transparency. The original file is removed.
	PolicyConvert Policy = config.PolicyConvert
	// PolicyPreserve keeps the format and path: PNGs are re-saved
	// losslessly, JPEGs re-encoded at the configured quality.
	PolicyPreserve Policy = config.PolicyPreserve
)

// Options defines parameters for one batch.
type Options struct {
	Directory      string
	Subdirectories []string
	Recursive      bool
	Exclude        []string
	Extensions     []string
	Policy         Policy
	ThresholdKB    float64
	Quality        int
	Background     color.NRGBA
	DryRun         bool
	SkipMarked     bool
	Marker         string
}

// DefaultOptions returns the options of a default configuration for dir.
func DefaultOptions(dir string) Options {
	opts, _ := OptionsFromConfig(config.DefaultConfig())
	opts.Directory = dir
	return opts
}

// OptionsFromConfig builds batch options from a validated configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	bg, err := config.ParseHexColor(cfg.Optimization.Background)
	if err != nil {
		return Options{}, fmt.Errorf("background: %w", err)
	}
	return Options{
		Directory:      cfg.Directory,
		Subdirectories: append([]string(nil), cfg.Subdirectories...),
		Recursive:      cfg.Recursive,
		Exclude:        append([]string(nil), cfg.Exclude...),
		Extensions:     append([]string(nil), cfg.SupportedExtensions...),
		Policy:         Policy(cfg.Optimization.Policy),
		ThresholdKB:    cfg.Optimization.ThresholdKB,
		Quality:        cfg.Optimization.Quality,
		Background:     bg,
		DryRun:         cfg.Optimization.DryRun,
		SkipMarked:     cfg.Metadata.SkipMarked,
		Marker:         cfg.Metadata.Marker,
	}, nil
}

func (o Options) normalized() Options {
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".png", ".jpg", ".jpeg"}
	}
	exts := make([]string, len(o.Extensions))
	for i, ext := range o.Extensions {
		exts[i] = strings.ToLower(ext)
	}
	o.Extensions = exts
	if o.Policy == "" {
		o.Policy = PolicyPreserve
	}
	if o.Background.A == 0 {
		o.Background = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	return o
}

// ProgressHook receives every outcome as soon as it is recorded.
type ProgressHook func(outcome report.Outcome)

// BatchOptimizer runs a batch over a directory.
type BatchOptimizer interface {
	Run(ctx context.Context, opts Options) (*report.Report, error)
}

// Optimizer is the default BatchOptimizer. Assets are processed one at a
// time; each is fully read, re-encoded and written before the next.
type Optimizer struct {
	logger    *logrus.Logger
	out       io.Writer
	inspector *inspect.Inspector
	preserver metadata.Preserver
	hook      ProgressHook
}

// NewOptimizer returns an Optimizer printing progress lines to out.
func NewOptimizer(log *logrus.Logger, out io.Writer, preserver metadata.Preserver) *Optimizer {
	return NewOptimizerWithHook(log, out, preserver, nil)
}

// NewOptimizerWithHook also forwards every outcome to hook (e.g. a WebSocket).
func NewOptimizerWithHook(log *logrus.Logger, out io.Writer, preserver metadata.Preserver, hook ProgressHook) *Optimizer {
	if out == nil {
		out = io.Discard
	}
	if preserver == nil {
		preserver = metadata.NopPreserver{}
	}
	return &Optimizer{
		logger:    log,
		out:       out,
		inspector: inspect.NewInspector(log),
		preserver: preserver,
		hook:      hook,
	}
}

// Run processes every candidate asset under opts.Directory. Per-asset
// failures are recorded in the report and never abort the batch; only a
// missing target directory or a cancelled context is returned as an error.
// On cancellation the partial report is returned alongside ctx.Err().
func (o *Optimizer) Run(ctx context.Context, opts Options) (*report.Report, error) {
	opts = opts.normalized()
	if err := checkDirectory(opts.Directory); err != nil {
		return nil, err
	}

	assets, err := collectAssets(opts)
	if err != nil {
		return nil, fmt.Errorf("collect assets: %w", err)
	}

	log := logger.WithOperation(o.logger, "optimize")
	logger.WithFields(o.logger, logrus.Fields{
		"operation": "optimize",
		"directory": opts.Directory,
		"policy":    opts.Policy,
		"threshold": opts.ThresholdKB,
		"quality":   opts.Quality,
		"assets":    len(assets),
		"dry_run":   opts.DryRun,
	}).Info("Starting batch")

	rep := report.New(opts.Directory, string(opts.Policy))
	for _, path := range assets {
		if err := ctx.Err(); err != nil {
			rep.Finalize()
			log.Warnf("Batch interrupted after %d of %d assets", rep.Len(), len(assets))
			return rep, err
		}
		outcome := o.processAsset(path, opts)
		rep.Add(outcome)
		o.notify(outcome)
	}
	rep.Finalize()

	fmt.Fprintln(o.out, rep.SummaryLine())
	t := rep.Totals()
	log.WithFields(logrus.Fields{
		"converted":    t.Converted,
		"recompressed": t.Recompressed,
		"skipped":      t.Skipped,
		"failed":       t.Failed,
		"saved_bytes":  t.SavedBytes,
	}).Info("Batch completed")

	return rep, nil
}

// ProcessFile runs the per-asset procedure on a single file.
func (o *Optimizer) ProcessFile(ctx context.Context, path string, opts Options) (report.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return report.Outcome{}, err
	}
	opts = opts.normalized()
	if !opts.Accepts(path) {
		return report.Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if !isRegular(path) {
		return report.Outcome{}, fmt.Errorf("%w: %s is not a regular file", ErrUnsupportedFormat, path)
	}
	outcome := o.processAsset(path, opts)
	o.notify(outcome)
	return outcome, nil
}

func (o *Optimizer) notify(outcome report.Outcome) {
	if o.hook != nil {
		o.hook(outcome)
	}
}

// processAsset applies the size gate and the configured policy to one file.
func (o *Optimizer) processAsset(path string, opts Options) report.Outcome {
	res := report.Outcome{
		Path:      path,
		StartedAt: time.Now(),
		DryRun:    opts.DryRun,
	}
	name := filepath.Base(path)
	log := logger.WithAsset(o.logger, path)

	info, err := os.Stat(path)
	if err != nil {
		return o.fail(res, name, fmt.Errorf("stat: %w", err))
	}
	res.OldSize = info.Size()
	sizeKB := kb(res.OldSize)

	if sizeKB <= opts.ThresholdKB {
		log.Debugf("Below threshold (%.2f KB <= %.2f KB)", sizeKB, opts.ThresholdKB)
		return o.skip(res, "below threshold")
	}
	if opts.SkipMarked && o.inspector.HasMarker(path, opts.Marker) {
		log.Debug("Already carries the optimizer marker")
		return o.skip(res, "already optimized")
	}

	format := inspect.FormatFromPath(path)
	target := path
	if opts.Policy == PolicyConvert {
		target = convertedPath(path)
	}
	inPlace := samePath(path, target)

	if !inPlace {
		if _, err := os.Stat(target); err == nil {
			if !opts.DryRun {
				o.announce(name, sizeKB)
			}
			return o.fail(res, name, fmt.Errorf("%w: %s", ErrTargetExists, filepath.Base(target)))
		}
	}

	if opts.DryRun {
		return o.dryRun(res, name, target, inPlace, sizeKB)
	}

	o.announce(name, sizeKB)

	img, err := decode(path)
	if err != nil {
		return o.fail(res, name, fmt.Errorf("open: %w", err))
	}

	var data []byte
	if opts.Policy == PolicyPreserve && format == inspect.FormatPNG {
		data, err = encodePNG(img)
	} else {
		data, err = encodeJPEG(flatten(img, opts.Background), opts.Quality)
	}
	if err != nil {
		return o.fail(res, name, err)
	}

	tmpPath, err := writeTemp(filepath.Dir(target), filepath.Ext(target), data, info.Mode().Perm())
	if err != nil {
		return o.fail(res, name, err)
	}

	if format == inspect.FormatJPEG {
		if err := o.preserver.Copy(path, tmpPath); err != nil {
			log.Warnf("Metadata not copied: %v", err)
		}
	}

	newSize := int64(len(data))
	if st, err := os.Stat(tmpPath); err == nil {
		newSize = st.Size()
	}

	if inPlace {
		return o.replaceInPlace(res, name, path, target, tmpPath, newSize)
	}
	return o.convert(res, name, path, target, tmpPath)
}

// replaceInPlace renames the re-encoded file over the original, unless it is
// not smaller, in which case the original bytes are kept.
func (o *Optimizer) replaceInPlace(res report.Outcome, name, path, target, tmpPath string, newSize int64) report.Outcome {
	res.Kind = report.KindRecompressed
	if newSize >= res.OldSize {
		os.Remove(tmpPath)
		res.Kept = true
		res.NewSize = res.OldSize
		logger.WithAsset(o.logger, path).Debugf("Re-encode not smaller (%d >= %d bytes), keeping original", newSize, res.OldSize)
		return o.done(res)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return o.fail(res, name, fmt.Errorf("replace: %w", err))
	}
	if target != path {
		// case-only extension change, e.g. photo.JPG -> photo.jpg
		if err := os.Rename(path, target); err != nil {
			logger.WithAsset(o.logger, path).Warnf("Could not rename to %s: %v", filepath.Base(target), err)
		} else {
			res.NewPath = target
		}
	}
	res.NewSize = newSize
	return o.done(res)
}

// convert moves the new .jpg into place and only then removes the original.
func (o *Optimizer) convert(res report.Outcome, name, path, target, tmpPath string) report.Outcome {
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return o.fail(res, name, fmt.Errorf("write %s: %w", filepath.Base(target), err))
	}
	if err := os.Remove(path); err != nil {
		// keep exactly one copy: the untouched original
		os.Remove(target)
		return o.fail(res, name, fmt.Errorf("remove original: %w", err))
	}

	st, err := os.Stat(target)
	if err != nil {
		return o.fail(res, name, fmt.Errorf("stat %s: %w", filepath.Base(target), err))
	}

	res.Kind = report.KindConverted
	res.NewPath = target
	res.NewSize = st.Size()
	fmt.Fprintf(o.out, "Converted %s to %s\n", name, filepath.Base(target))
	return o.done(res)
}

func (o *Optimizer) dryRun(res report.Outcome, name, target string, inPlace bool, sizeKB float64) report.Outcome {
	res.NewSize = res.OldSize
	if inPlace {
		res.Kind = report.KindRecompressed
		fmt.Fprintf(o.out, "Would compress %s (%.2f KB)\n", name, sizeKB)
	} else {
		res.Kind = report.KindConverted
		res.NewPath = target
		fmt.Fprintf(o.out, "Would convert %s (%.2f KB) to %s\n", name, sizeKB, filepath.Base(target))
	}
	res.FinishedAt = time.Now()
	logger.WithAssetOperation(o.logger, res.Path, "dry_run").Infof("Would %s", res.Kind)
	return res
}

func (o *Optimizer) announce(name string, sizeKB float64) {
	fmt.Fprintf(o.out, "Compressing %s (%.2f KB)...\n", name, sizeKB)
}

func (o *Optimizer) done(res report.Outcome) report.Outcome {
	res.FinishedAt = time.Now()
	fmt.Fprintf(o.out, "Done: %.2f KB (Saved %.2f KB)\n", kb(res.NewSize), kb(res.OldSize-res.NewSize))
	logger.WithAsset(o.logger, res.Path).WithFields(logrus.Fields{
		"kind":     res.Kind,
		"new_path": res.NewPath,
		"old_size": res.OldSize,
		"new_size": res.NewSize,
		"kept":     res.Kept,
	}).Info("Asset optimized")
	return res
}

func (o *Optimizer) skip(res report.Outcome, reason string) report.Outcome {
	res.Kind = report.KindSkipped
	res.Reason = reason
	res.FinishedAt = time.Now()
	return res
}

func (o *Optimizer) fail(res report.Outcome, name string, err error) report.Outcome {
	res.Kind = report.KindFailed
	res.Error = err.Error()
	res.FinishedAt = time.Now()
	fmt.Fprintf(o.out, "Error compressing %s: %v\n", name, err)
	logger.WithAsset(o.logger, res.Path).Errorf("Compression error: %v", err)
	return res
}

func kb(n int64) float64 {
	return float64(n) / 1024
}
