package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle is the quiet period after the last change of a file before it is
// validated again. Editors often write a file in several steps.
var settle = 100 * time.Millisecond

// watch validates files, then validates each file again after it changes
// until ctx is done. Directories are watched instead of files, so files
// replaced by a rename are still followed.
func (a *app) watch(ctx context.Context, files []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]string, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		watched[abs] = f
		dir := filepath.Dir(abs)
		if slices.Contains(w.WatchList(), dir) {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	if err := a.validate(ctx, files); err != nil && !errors.Is(err, errFindings) {
		return err
	}

	var (
		pending = make(map[string]struct{})
		timer   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			path, ok := watched[filepath.Clean(ev.Name)]
			if !ok || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			a.logger.Debug("schema changed", zap.String("path", path), zap.Stringer("op", ev.Op))
			pending[path] = struct{}{}
			timer = time.After(settle)
		case <-timer:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			slices.Sort(changed)
			clear(pending)
			timer = nil
			if err := a.validate(ctx, changed); err != nil && !errors.Is(err, errFindings) {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watch error", zap.Error(err))
		}
	}
}
