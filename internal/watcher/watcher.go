// Package watcher watches the persisted token file and notifies the auth
// layer when an external process rewrites or removes it. It supports
// cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	// replaceCheckDelay is a short delay to allow atomic replace (rename) to settle
	// before deciding whether a Remove event indicates a real deletion.
	replaceCheckDelay = 50 * time.Millisecond
	// changeDebounce coalesces the burst of events a single save produces.
	changeDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the encrypted token file.
type Watcher struct {
	tokenPath string
	callback  func()

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	notifyTimer *time.Timer
	lastHash    string
}

// NewWatcher creates a Watcher for the given token file. The callback fires
// after any external change to the file settles; it runs on the watcher
// goroutine and must not block.
func NewWatcher(tokenPath string, callback func()) (*Watcher, error) {
	fsWatcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	w := &Watcher{
		tokenPath: tokenPath,
		callback:  callback,
		watcher:   fsWatcher,
	}
	w.lastHash, _ = hashFile(tokenPath)
	return w, nil
}

// Start begins watching the directory containing the token file. Watching the
// directory rather than the file itself survives atomic replace, where the
// original inode disappears on every save.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.tokenPath)
	if errAdd := w.watcher.Add(dir); errAdd != nil {
		log.Errorf("failed to watch token directory %s: %v", dir, errAdd)
		return errAdd
	}
	log.Debugf("watching token file: %s", w.tokenPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.notifyTimer != nil {
		w.notifyTimer.Stop()
		w.notifyTimer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if normalizePath(event.Name) != normalizePath(w.tokenPath) {
		return
	}
	relevantOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	if event.Op&relevantOps == 0 {
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Atomic replace on some platforms surfaces as Rename (or Remove)
		// before the new file is ready. Wait briefly; if the path exists
		// again, treat it as an update instead of a removal.
		time.Sleep(replaceCheckDelay)
	}

	if unchanged := w.tokenFileUnchanged(); unchanged {
		log.Debugf("token file unchanged (hash match), skipping notification: %s", filepath.Base(w.tokenPath))
		return
	}
	w.scheduleNotify()
}

// tokenFileUnchanged reports whether the token file content matches the last
// observed hash. A missing file hashes to the empty string, so deleting the
// file counts as a change.
func (w *Watcher) tokenFileUnchanged() bool {
	sum, errHash := hashFile(w.tokenPath)
	if errHash != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if sum == w.lastHash {
		return true
	}
	w.lastHash = sum
	return false
}

func (w *Watcher) scheduleNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notifyTimer != nil {
		w.notifyTimer.Stop()
	}
	w.notifyTimer = time.AfterFunc(changeDebounce, func() {
		log.Infof("token file changed externally: %s", filepath.Base(w.tokenPath))
		w.callback()
	})
}

func hashFile(path string) (string, error) {
	data, errRead := os.ReadFile(path)
	if os.IsNotExist(errRead) {
		return "", nil
	}
	if errRead != nil {
		return "", errRead
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func normalizePath(path string) string {
	cleaned := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		return strings.ToLower(cleaned)
	}
	return cleaned
}
