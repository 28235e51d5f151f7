package training

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reruns a function when any watched dataset file is written or
// recreated. Bursts of events within the debounce window trigger one run.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher starts watching the parent directories of paths, so editors
// and tools that replace a file by rename are still observed.
func NewWatcher(paths []string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		files:    make(map[string]bool),
		debounce: debounce,
		logger:   logger,
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(w.files) == 0 {
		fw.Close()
		return nil, fmt.Errorf("no files to watch")
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run blocks until ctx is done. fn runs sequentially; an error from fn is
// logged and watching continues.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("dataset changed", zap.String("path", abs), zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-timer.C:
			w.logger.Info("dataset changed, retraining")
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("retraining failed", zap.Error(err))
			}
		}
	}
}

// Watch runs fn after each debounced change to any of paths until ctx is done.
func Watch(ctx context.Context, paths []string, debounce time.Duration, fn func(context.Context) error) error {
	w, err := NewWatcher(paths, debounce, nil)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}
