package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"uvccam/internal/capture"
	"uvccam/internal/logging"
	"uvccam/internal/options"
	"uvccam/internal/protocol"
	"uvccam/internal/watcher"

	"github.com/google/uuid"
)

const (
	defaultRingBufCapacity  = 500
	defaultSubscriberBufCap = 100
)

var (
	ErrNotFound    = errors.New("capture not found")
	ErrMaxSessions = errors.New("maximum capture limit reached")
)

// Manager keeps the captures a server has created. Each one is an
// independent capture.Session; the shared registry still lets only one of
// them run at a time.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*managedSession
	maxSessions int

	registry   *capture.Registry
	supervisor *capture.Supervisor
	logger     *slog.Logger

	observersMu sync.RWMutex
	observers   []func(Event)
}

type managedSession struct {
	capture     *capture.Session
	label       string
	createdAt   time.Time
	ringBuf     *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistry sets the registry shared by every capture.
func WithRegistry(r *capture.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithSupervisor sets the supervisor used to launch the capture program.
func WithSupervisor(s *capture.Supervisor) ManagerOption {
	return func(m *Manager) { m.supervisor = s }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager holding at most maxSessions captures.
func NewManager(maxSessions int, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[string]*managedSession),
		maxSessions: maxSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = capture.DefaultRegistry
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	if m.supervisor == nil {
		m.supervisor = capture.NewSupervisor("", m.logger)
	}
	m.logger = logging.Component(m.logger, "manager")
	return m
}

// OnEvent registers fn to receive every event from every capture. It is
// called synchronously from the goroutine that emitted the event.
func (m *Manager) OnEvent(fn func(Event)) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Create builds a new capture from params.
func (m *Manager) Create(params options.Params, label string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	cs, err := capture.New(params,
		capture.WithRegistry(m.registry),
		capture.WithSupervisor(m.supervisor),
		capture.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	ms := &managedSession{
		capture:     cs,
		label:       label,
		createdAt:   time.Now().UTC(),
		ringBuf:     NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan Event),
	}
	cs.OnAny(func(ev capture.Event) {
		event := newEvent(cs.ID(), ev)
		m.fanOut(ms, event)
		m.notify(event)
	})

	m.sessions[cs.ID()] = ms
	m.logger.Info("capture created", logging.KeySession, cs.ID(), "label", label)
	return ms.snapshot(), nil
}

func (ms *managedSession) snapshot() *Session {
	paths := ms.capture.Paths()
	state := StateIdle
	if ms.capture.Running() {
		state = StateRunning
	}
	return &Session{
		ID:        ms.capture.ID(),
		Label:     ms.label,
		State:     state,
		Options:   ms.capture.Options().Params(),
		Directory: paths.Directory,
		Filename:  paths.Filename,
		CreatedAt: ms.createdAt,
	}
}

// fanOut records an event in the ring buffer and sends it to all
// subscribers.
func (m *Manager) fanOut(ms *managedSession, event Event) {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()

	ms.ringBuf.Write(event)

	for _, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

func (m *Manager) notify(event Event) {
	m.observersMu.RLock()
	observers := make([]func(Event), len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, fn := range observers {
		fn(event)
	}
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Get returns a snapshot of a capture.
func (m *Manager) Get(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.snapshot(), nil
}

// List returns snapshots of all captures, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Start launches a capture. Rejections are returned and also reported as
// events.
func (m *Manager) Start(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	return ms.capture.Start()
}

// Stop kills a running capture.
func (m *Manager) Stop(id string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	return ms.capture.Stop()
}

// Set changes one option of a capture and returns the new snapshot.
func (m *Manager) Set(id, key, value string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := ms.capture.Set(key, value); err != nil {
		return nil, err
	}
	return ms.snapshot(), nil
}

// SetAll changes several options of a capture. Nothing changes when any
// value is rejected.
func (m *Manager) SetAll(id string, params options.Params) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := ms.capture.SetAll(params); err != nil {
		return nil, err
	}
	return ms.snapshot(), nil
}

// Artifacts lists the files in a capture's output directory.
func (m *Manager) Artifacts(id string) (string, []protocol.Artifact, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, err
	}
	dir := ms.capture.Paths().Directory
	artifacts, err := watcher.ListArtifacts(dir)
	if err != nil {
		return dir, nil, fmt.Errorf("list artifacts: %w", err)
	}
	return dir, artifacts, nil
}

// Remove stops a capture if it is running and forgets it. Subscriber
// channels are closed.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if ms.capture.Running() {
		ms.capture.Stop()
	}

	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()

	m.logger.Info("capture removed", logging.KeySession, id)
	return nil
}

// Subscribe creates a channel that receives a capture's events.
// Returns the subscription ID, the channel and the buffered history.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// History and registration happen under fanOut's lock so no event is
	// both replayed and delivered.
	ms.subMu.Lock()
	history := ms.ringBuf.ReadAll()
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a capture.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown stops every running capture and kills anything the registry
// still tracks.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	running := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if ms.capture.Running() {
			running = append(running, ms)
		}
	}
	m.mu.RUnlock()

	for _, ms := range running {
		ms.capture.Stop()
	}
	m.registry.Shutdown()
}
