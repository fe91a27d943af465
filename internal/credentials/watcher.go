package credentials

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"
)

// DefaultWatchInterval is how often the credential file's mtime is polled.
// Polling (not inotify) is deliberate: it is correct on every platform and
// tolerant of editor temp-file-and-rename patterns.
const DefaultWatchInterval = 5 * time.Second

// FileWatcher polls the credential file and merges newer keys into the
// store via SetIfNewer.
type FileWatcher struct {
	store    *Store
	path     string
	interval time.Duration

	lastMtime time.Time
	primed    bool

	stop chan struct{}
	done chan struct{}
}

// NewFileWatcher creates a watcher for the store's credential file. The
// FILE_WATCHER_INTERVAL environment variable (seconds) overrides interval.
func NewFileWatcher(store *Store, interval time.Duration) *FileWatcher {
	if v := os.Getenv("FILE_WATCHER_INTERVAL"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			interval = time.Duration(secs * float64(time.Second))
		}
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &FileWatcher{
		store:    store,
		path:     store.Path(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) {
	defer close(w.done)
	if w.path == "" {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// poll checks the file's mtime and reloads on change. The first
// observation only records the mtime; the boot path already loaded the
// file.
func (w *FileWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return // missing file: nothing to merge
	}

	mtime := info.ModTime()
	if !w.primed {
		w.lastMtime = mtime
		w.primed = true
		return
	}
	if !mtime.After(w.lastMtime) {
		return
	}
	w.lastMtime = mtime

	key, err := ReadKeyFile(w.path)
	if err != nil {
		// Keep the in-memory key; a partially written or corrupt file
		// must not take down a working credential.
		log.Printf("[KeyWatcher] Ignoring unreadable credential file: %v", err)
		return
	}

	if w.store.SetIfNewer(key) {
		log.Printf("[KeyWatcher] Merged newer credential from %s", w.path)
	}
}

// Stop terminates the watcher and waits for it to exit.
func (w *FileWatcher) Stop() {
	close(w.stop)
	<-w.done
}
