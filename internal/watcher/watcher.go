package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"asset-optimizer/internal/optimizer"
	"asset-optimizer/internal/report"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Processor runs the per-asset procedure on one file.
type Processor interface {
	ProcessFile(ctx context.Context, path string, opts optimizer.Options) (report.Outcome, error)
}

// Watcher re-optimizes assets as they are created or rewritten.
type Watcher struct {
	processor Processor
	opts      optimizer.Options
	logger    *logrus.Logger
	debounce  time.Duration
	cooldown  time.Duration

	pending map[string]time.Time
	recent  map[string]time.Time
	now     func() time.Time
}

// NewWatcher returns a Watcher over opts.Directory and its configured
// subdirectories.
func NewWatcher(processor Processor, opts optimizer.Options, logger *logrus.Logger, debounce, cooldown time.Duration) *Watcher {
	return &Watcher{
		processor: processor,
		opts:      opts,
		logger:    logger,
		debounce:  debounce,
		cooldown:  cooldown,
		pending:   make(map[string]time.Time),
		recent:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Dirs returns the directories to watch: the root, every named
// subdirectory that exists, or every non-hidden directory when recursive.
func (w *Watcher) Dirs() []string {
	root := w.opts.Directory
	dirs := []string{root}
	if w.opts.Recursive {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
			return nil
		})
		return dirs
	}
	for _, sub := range w.opts.Subdirectories {
		dir := filepath.Join(root, sub)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	for _, dir := range w.Dirs() {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warnf("Failed to watch directory %s: %v", dir, err)
			continue
		}
		w.logger.Infof("Watching %s", dir)
	}

	tick := w.debounce / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("fsnotify error: %v", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent queues created or written assets. Files the watcher itself
// produced within the cool-down window are ignored.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.opts.Accepts(event.Name) {
		return
	}
	now := w.now()
	if t, ok := w.recent[event.Name]; ok && now.Sub(t) < w.cooldown {
		return
	}
	w.pending[event.Name] = now
}

// flush processes every queued asset that has been quiet for the debounce
// interval, in path order.
func (w *Watcher) flush(ctx context.Context) {
	now := w.now()

	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		delete(w.pending, path)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		outcome, err := w.processor.ProcessFile(ctx, path, w.opts)
		if err != nil {
			w.logger.Debugf("Skipping %s: %v", path, err)
			continue
		}
		stamp := w.now()
		w.recent[outcome.Path] = stamp
		if outcome.NewPath != "" {
			w.recent[outcome.NewPath] = stamp
		}
	}

	for path, t := range w.recent {
		if now.Sub(t) >= w.cooldown {
			delete(w.recent, path)
		}
	}
}

// Pending returns the number of queued assets.
func (w *Watcher) Pending() int {
	return len(w.pending)
}
