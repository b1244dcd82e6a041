package capture

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives events.
type Handler func(Event)

// anyKind is the registration key for handlers that receive every event.
const anyKind Kind = "*"

type handlerEntry struct {
	id      string
	kind    Kind
	handler Handler
}

// Emitter is a synchronous publish/subscribe point keyed by event kind.
// Events are delivered in emission order; nothing is buffered or replayed.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Kind][]handlerEntry
	nextID   atomic.Uint64
	logger   *slog.Logger
}

// NewEmitter creates an emitter with no handlers.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		handlers: make(map[Kind][]handlerEntry),
		logger:   logger,
	}
}

// On registers handler for kind and returns an ID for Off.
func (em *Emitter) On(kind Kind, handler Handler) string {
	em.mu.Lock()
	defer em.mu.Unlock()

	id := fmt.Sprintf("h%d", em.nextID.Add(1))
	em.handlers[kind] = append(em.handlers[kind], handlerEntry{id: id, kind: kind, handler: handler})
	return id
}

// OnAny registers handler for every kind.
func (em *Emitter) OnAny(handler Handler) string {
	return em.On(anyKind, handler)
}

// Off removes a handler. It reports whether the ID was registered.
func (em *Emitter) Off(id string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	for kind, entries := range em.handlers {
		for i, e := range entries {
			if e.id == id {
				em.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Emit delivers ev to the handlers for its kind, then to the catch-all
// handlers. A panicking handler is logged and skipped.
func (em *Emitter) Emit(ev Event) {
	em.mu.RLock()
	targets := make([]handlerEntry, 0, len(em.handlers[ev.Kind])+len(em.handlers[anyKind]))
	targets = append(targets, em.handlers[ev.Kind]...)
	targets = append(targets, em.handlers[anyKind]...)
	em.mu.RUnlock()

	for _, t := range targets {
		em.safeCall(t.handler, ev)
	}
}

// Count returns the number of registered handlers.
func (em *Emitter) Count() int {
	em.mu.RLock()
	defer em.mu.RUnlock()

	n := 0
	for _, entries := range em.handlers {
		n += len(entries)
	}
	return n
}

func (em *Emitter) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			em.logger.Error("event handler panicked",
				"kind", string(ev.Kind), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(ev)
}
