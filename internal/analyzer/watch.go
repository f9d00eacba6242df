package analyzer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc observes rule reloads. err is non-nil when a changed file was
// rejected; the previous rule set stays active in that case.
type ReloadFunc func(set *RuleSet, err error)

// Watch loads the rule file at path, activates it, and reloads it whenever
// it changes until ctx is done. The parent directory is watched so editors
// that replace files by rename are handled.
func (a *Analyzer) Watch(ctx context.Context, path string, onReload ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	set, err := LoadRuleSet(abs)
	if err != nil {
		return err
	}
	a.SetRuleSet(set)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rule watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go a.watchLoop(ctx, w, abs, onReload)
	return nil
}

func (a *Analyzer) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, onReload ReloadFunc) {
	defer w.Close()
	log := a.logger.WithField("rules", path)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			set, err := LoadRuleSet(path)
			if err != nil {
				log.WithError(err).Warn("rule reload rejected, keeping version %s", a.RulesVersion())
			} else {
				a.SetRuleSet(set)
			}
			if onReload != nil {
				onReload(set, err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("rule watcher error")
		}
	}
}
