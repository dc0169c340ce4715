package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// CeilingWatcher watches a config file for budget-ceiling changes so an
// operator can resume a paused run by editing the file, without restarting.
type CeilingWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	last    float64
	onRaise func(ceiling float64)
	done    chan struct{}
}

// WatchCeiling watches the config file at path and calls onChange whenever
// the budget ceiling value changes. The callback runs on the watcher
// goroutine. Close releases the watcher.
func WatchCeiling(path string, current float64, onChange func(ceiling float64)) (*CeilingWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	cw := &CeilingWatcher{
		watcher: w,
		path:    path,
		last:    current,
		onRaise: onChange,
		done:    make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *CeilingWatcher) loop() {
	defer close(cw.done)

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := LoadFromPath(cw.path)
			if err != nil {
				log.Printf("[config] warning: reload after change: %v", err)
				continue
			}
			if cfg.Budget.Ceiling != cw.last {
				cw.last = cfg.Budget.Ceiling
				cw.onRaise(cfg.Budget.Ceiling)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (cw *CeilingWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
