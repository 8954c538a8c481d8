package scanner

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher hot-reloads a scanner's pattern file. Polling with mtime
// comparison; no filesystem-event dependency.
type Watcher struct {
	path     string
	interval time.Duration
	scanner  *Scanner
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	lastMod  time.Time
}

// NewWatcher creates a watcher for the given pattern file. Interval
// defaults to 10s when non-positive.
func NewWatcher(path string, interval time.Duration, sc *Scanner, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		scanner:  sc,
		logger:   logger.With(zap.String("component", "pattern_watcher")),
	}
}

// Start begins polling until ctx is canceled or Stop is called. The first
// load happens immediately; a broken file keeps the previous pattern set.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.reload()

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
	return nil
}

// Stop halts polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopChan)
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("stat pattern file failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	w.mu.Unlock()
	if changed {
		w.reload()
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("pattern file unavailable, keeping current set",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	patterns, err := LoadPatternsFile(w.path)
	if err != nil {
		w.logger.Error("pattern reload failed, keeping current set",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.scanner.SetPatterns(patterns)
	w.mu.Lock()
	w.lastMod = info.ModTime()
	w.mu.Unlock()
	w.logger.Info("patterns reloaded",
		zap.String("path", w.path), zap.Int("patterns", len(patterns)))
}
