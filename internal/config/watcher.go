package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/logfields"
)

// ReloadFunc receives each successfully loaded configuration. A returned
// error is logged; the previous configuration stays in effect.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// Watcher reloads the configuration when the file changes. Rapid successive
// writes (editors, atomic-rename saves) are debounced into one reload; a file
// that fails to load or validate is rejected without touching the running
// configuration.
type Watcher struct {
	path     string
	reload   ReloadFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  chan struct{}
	stop     chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, reload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "create file watcher").Build()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "resolve config path").
			WithContext("path", path).Build()
	}
	return &Watcher{
		path:     abs,
		reload:   reload,
		watcher:  fsw,
		debounce: 2 * time.Second,
		pending:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}, nil
}

// Start watches the config file's directory (reliable across atomic-rename
// saves) and begins the reload loops.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "watch config directory").
			WithContext("path", w.path).Build()
	}
	slog.Info("watching configuration", slog.String("path", w.path))

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop ends watching. Safe to call once.
func (w *Watcher) Stop() {
	close(w.stop)
	if err := w.watcher.Close(); err != nil {
		slog.Warn("failed to close file watcher", logfields.Error(err))
	}
}

func (w *Watcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				select {
				case w.pending <- struct{}{}:
				default:
				}
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("configuration file removed", slog.String("path", w.path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.pending:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.performReload(ctx)
			})
		}
	}
}

func (w *Watcher) performReload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("rejecting configuration reload", slog.String("path", w.path), logfields.Error(err))
		return
	}
	if err := w.reload(ctx, cfg); err != nil {
		slog.Error("failed to apply reloaded configuration", logfields.Error(err))
		return
	}
	slog.Info("configuration reloaded", slog.String("path", w.path))
}
