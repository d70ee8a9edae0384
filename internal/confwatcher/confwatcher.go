// Package confwatcher contains a configuration watcher.
package confwatcher

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfWatcher is a configuration file watcher.
type ConfWatcher struct {
	FilePath string

	inner *fsnotify.Watcher

	// out
	signal chan struct{}
	done   chan struct{}
}

// Initialize initializes a ConfWatcher.
func (w *ConfWatcher) Initialize() error {
	if _, err := os.Stat(w.FilePath); err != nil {
		return fmt.Errorf("file %s does not exist", w.FilePath)
	}

	var err error
	w.inner, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = w.inner.Add(w.FilePath)
	if err != nil {
		w.inner.Close() //nolint:errcheck
		return err
	}

	w.signal = make(chan struct{})
	w.done = make(chan struct{})

	go w.run()

	return nil
}

// Close closes a ConfWatcher.
func (w *ConfWatcher) Close() {
	go func() {
		for range w.signal {
		}
	}()
	w.inner.Close() //nolint:errcheck
	<-w.done
}

func (w *ConfWatcher) run() {
	defer close(w.done)

outer:
	for {
		select {
		case event := <-w.inner.Events:
			if (event.Op & fsnotify.Write) == fsnotify.Write {
				// wait some additional time to avoid EOF
				time.Sleep(10 * time.Millisecond)
				w.signal <- struct{}{}
			}

		case <-w.inner.Errors:
			break outer
		}
	}

	close(w.signal)
}

// Watch returns when the configuration file has changed.
func (w *ConfWatcher) Watch() chan struct{} {
	return w.signal
}
