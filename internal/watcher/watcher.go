package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/protocol"

	"github.com/fsnotify/fsnotify"
)

const notificationBuffer = 64

// Notification kinds. KindRead is the translated "a new entry appeared"
// signal; the others are raw filesystem kinds passed through as-is.
const (
	KindRead   = "read"
	KindChange = "change"
	KindRemove = "remove"
	KindMoved  = "moved"
	KindChmod  = "chmod"
)

// Notification is one translated filesystem event from the watched directory.
type Notification struct {
	Kind      string
	Filename  string
	Timestamp time.Time
}

// DirWatcher observes a single output directory. At most one subscription is
// active at a time; subscribing again replaces the previous one.
type DirWatcher struct {
	mu     sync.Mutex
	sub    *subscription
	logger *slog.Logger
}

type subscription struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	out       chan Notification
	cancel    chan struct{}
	done      chan struct{}
}

// New creates an idle directory watcher.
func New(logger *slog.Logger) *DirWatcher {
	return &DirWatcher{logger: logging.Component(logger, "watcher")}
}

// Subscribe starts watching dir and returns the notification stream. Any
// previous subscription is torn down first and its channel closed. The
// returned channel is closed by Unsubscribe.
func (w *DirWatcher) Subscribe(dir string) (<-chan Notification, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsW.Add(filepath.Clean(dir)); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sub := &subscription{
		dir:       dir,
		fsWatcher: fsW,
		out:       make(chan Notification, notificationBuffer),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.sub = sub

	go w.watchLoop(sub)

	w.logger.Debug("subscribed", logging.KeyDir, dir)
	return sub.out, nil
}

// Unsubscribe stops the active subscription, if any. Safe to call repeatedly.
func (w *DirWatcher) Unsubscribe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Dir returns the watched directory, or "" when idle.
func (w *DirWatcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return ""
	}
	return w.sub.dir
}

func (w *DirWatcher) stopLocked() {
	if w.sub == nil {
		return
	}
	sub := w.sub
	w.sub = nil

	close(sub.cancel)
	sub.fsWatcher.Close()
	<-sub.done

	w.logger.Debug("unsubscribed", logging.KeyDir, sub.dir)
}

// watchLoop translates fsnotify events until cancelled.
func (w *DirWatcher) watchLoop(sub *subscription) {
	defer close(sub.done)
	defer close(sub.out)

	for {
		select {
		case <-sub.cancel:
			return

		case event, ok := <-sub.fsWatcher.Events:
			if !ok {
				return
			}

			n := Notification{
				Kind:      Classify(event.Op),
				Filename:  filepath.Base(event.Name),
				Timestamp: time.Now(),
			}
			if n.Kind != KindRead {
				w.logger.Debug("fs event", "kind", n.Kind, "file", n.Filename)
			}

			select {
			case sub.out <- n:
			case <-sub.cancel:
				return
			}

		case err, ok := <-sub.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", logging.KeyDir, sub.dir, "error", err)
		}
	}
}

// Classify maps an fsnotify operation onto a notification kind. Create is the
// only operation that signals a new artifact.
func Classify(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return KindRead
	case op.Has(fsnotify.Write):
		return KindChange
	case op.Has(fsnotify.Remove):
		return KindRemove
	case op.Has(fsnotify.Rename):
		return KindMoved
	default:
		return KindChmod
	}
}

// ListArtifacts returns the regular, non-hidden files in dir, newest first.
func ListArtifacts(dir string) ([]protocol.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	artifacts := make([]protocol.Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Removed between ReadDir and Info.
		}
		artifacts = append(artifacts, protocol.Artifact{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].ModTime.Equal(artifacts[j].ModTime) {
			return artifacts[i].Name < artifacts[j].Name
		}
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	return artifacts, nil
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
