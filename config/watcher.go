package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/courtbot/ballbot/logging"
)

// DefaultReloadDelay is how long the file must be quiet before it is re-read.
const DefaultReloadDelay = 250 * time.Millisecond

// Watcher re-reads a config file after it changes and hands valid configs to a callback.
// Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	logger   logging.Logger
	onChange func(*Config)
	fs       *fsnotify.Watcher
	debounce func(func())
	workers  *utils.StoppableWorkers
}

// NewWatcher starts watching path. The directory is watched rather than the file so editors
// that save by renaming a temporary file are seen.
func NewWatcher(path string, delay time.Duration, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		utils.UncheckedError(fsw.Close())
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(abs))
	}
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	w := &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		fs:       fsw,
		debounce: debounce.New(delay),
	}
	w.workers = utils.NewBackgroundStoppableWorkers(w.watch)
	return w, nil
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.debounce(w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Read(w.path)
	if err != nil {
		w.logger.Warnw("ignoring invalid config edit", "path", w.path, "error", err)
		return
	}
	w.logger.Infow("config file changed, applying runtime parameters", "path", w.path)
	w.onChange(cfg)
}

// Close stops watching. A reload already scheduled may still run.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	w.workers.Stop()
	return err
}
