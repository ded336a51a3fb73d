package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/eventbus"
	"github.com/plexbridge/plexbridge/internal/logging"
)

// SettingsChanged is the payload published on eventbus.TopicSettingsChanged
// when the on-disk config file is reloaded.
type SettingsChanged struct {
	Previous Config
	Current  Config
}

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads Config from a YAML file whenever it changes on disk and
// publishes the result on the event bus. Env overrides are re-applied on
// every reload, so an operator can still pin a field via environment even
// while the file is being hot-reloaded.
type Watcher struct {
	path    string
	dir     string
	file    string
	bus     *eventbus.Bus
	fs      *fsnotify.Watcher
	logger  zerolog.Logger
	current Config
	stop    chan struct{}
}

// NewWatcher starts watching path's containing directory for changes (so
// atomic temp-file-then-rename writes from Save are picked up) and returns a
// Watcher seeded with current. Call Close to stop.
func NewWatcher(path string, current Config, bus *eventbus.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch dir %s: %w", dir, err)
	}

	w := &Watcher{
		path:    path,
		dir:     dir,
		file:    filepath.Base(path),
		bus:     bus,
		fs:      fsw,
		logger:  logging.WithComponent("config"),
		current: current,
		stop:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	return w.current
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.stop:
			_ = w.fs.Close()
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.file {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous settings")
		return
	}
	prev := w.current
	w.current = next
	w.logger.Info().Str("path", w.path).Msg("config reloaded")
	if w.bus != nil {
		w.bus.Publish(eventbus.TopicSettingsChanged, SettingsChanged{Previous: prev, Current: next})
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify handle.
func (w *Watcher) Close() {
	close(w.stop)
}
