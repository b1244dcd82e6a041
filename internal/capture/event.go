package capture

import (
	"crypto/rand"
	"sync"
	"time"

	"uvccam/internal/watcher"

	"github.com/oklog/ulid/v2"
)

// Kind names an event. Handlers are registered per kind.
type Kind string

// Lifecycle kinds.
const (
	KindStart Kind = "start"
	KindRead  Kind = "read"
	KindStop  Kind = "stop"
	KindExit  Kind = "exit"
)

// Raw filesystem kinds, forwarded from the output directory watcher.
const (
	KindChange Kind = watcher.KindChange
	KindRemove Kind = watcher.KindRemove
	KindMoved  Kind = watcher.KindMoved
	KindChmod  Kind = watcher.KindChmod
)

// Event is one entry of a session's lifecycle stream.
//
// Err is nil on success. For exit events that follow a failed run,
// Diagnostic holds the program's stderr or the wait error.
type Event struct {
	ID         string
	Kind       Kind
	Err        error
	Timestamp  time.Time
	Filename   string
	Diagnostic string
}

// Failed reports whether the event carries an error.
func (e Event) Failed() bool {
	return e.Err != nil
}

// ErrText returns the error text, or "" on success.
func (e Event) ErrText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newID returns a ULID that sorts after every ID handed out before it.
func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

func newEvent(kind Kind, err error) Event {
	return Event{
		ID:        newID(),
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// notificationEvent converts a watcher notification into a session event.
func notificationEvent(n watcher.Notification) Event {
	return Event{
		ID:        newID(),
		Kind:      Kind(n.Kind),
		Timestamp: n.Timestamp.UTC(),
		Filename:  n.Filename,
	}
}
