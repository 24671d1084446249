// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	gplog "github.com/guidepipe/guidepipe/internal/log"
	"github.com/guidepipe/guidepipe/internal/normalize"
)

const watchDebounce = 500 * time.Millisecond

// watchRules reloads the normalization rules file whenever it changes and
// hands the parsed result to apply. Editors replace files with rename, so
// the parent directory is watched rather than the file itself. A rules file
// that fails to parse is logged and skipped; the previous rules stay active.
func watchRules(ctx context.Context, path string, apply func(*normalize.Rules)) {
	logger := gplog.WithComponent("rules-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("cannot create rules watcher")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("cannot watch rules directory")
		return
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var debounced <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst of events a single save produces.
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Stop()
				timer.Reset(watchDebounce)
			}
			debounced = timer.C
		case <-debounced:
			debounced = nil
			rules, err := normalize.LoadRules(path)
			if err != nil {
				logger.Warn().
					Str("event", "rules.reload_failed").
					Str("path", path).
					Err(err).
					Msg("rules file changed but failed to load, keeping previous rules")
				continue
			}
			apply(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("rules watcher error")
		}
	}
}
