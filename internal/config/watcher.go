package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the configuration after a successful reload.
type ChangeFunc func(old, updated *Config)

// Watcher reloads a configuration file when it changes on disk.
// Reloads that fail to parse or validate are logged and the previous
// configuration stays current.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange ChangeFunc
	debounce time.Duration

	mu      sync.RWMutex
	current *Config

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher loads path and prepares to watch it. Call Start to begin.
func NewWatcher(path string, onChange ChangeFunc) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		fs:       fs,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		current:  cfg,
		stop:     make(chan struct{}),
	}, nil
}

// Current returns the configuration currently in effect.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the directory holding the file, so editors that replace
// the file by rename are handled too.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for a pending reload.
func (w *Watcher) Stop() error {
	close(w.stop)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				log.Printf("Failed to reload config: %v", err)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

// Reload reads the file now.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	log.Printf("Configuration reloaded from %s", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}
