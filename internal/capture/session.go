package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/options"
	"uvccam/internal/watcher"

	"github.com/google/uuid"
)

const (
	// settleWindow is how long the dispatcher keeps reading directory events
	// after the process exits, so a file written just before exit is still
	// reported before the exit event.
	settleWindow = 100 * time.Millisecond
)

// Session drives one capture configuration. It is safe for concurrent use.
type Session struct {
	id string

	mu    sync.Mutex
	opts  *options.Options
	paths options.Paths
	run   *run

	registry   *Registry
	supervisor *Supervisor
	watcher    *watcher.DirWatcher
	emitter    *Emitter
	logger     *slog.Logger
}

// run is the state of one launch, from spawn until exit or stop.
type run struct {
	proc    *Process
	events  <-chan watcher.Notification
	stopped bool
}

// Option configures a Session.
type Option func(*Session)

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithSupervisor replaces the default supervisor.
func WithSupervisor(sup *Supervisor) Option {
	return func(s *Session) { s.supervisor = sup }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithWatcher sets the output directory watcher.
func WithWatcher(w *watcher.DirWatcher) Option {
	return func(s *Session) { s.watcher = w }
}

// New builds a session from params. It fails with ErrMissingOption, and
// touches nothing on disk, when mode or output is absent. Raspistill style
// options are translated when the emulateraspicam marker is present. The
// output directory is created if needed.
func New(params options.Params, opts ...Option) (*Session, error) {
	if params[options.KeyMode] == "" || params[options.KeyOutput] == "" {
		return nil, ErrMissingOption
	}

	if options.IsRaspicam(params) {
		params = options.Translate(params)
	}
	normalized, err := options.Normalize(params)
	if err != nil {
		return nil, newError(CodeInvalidOption, err.Error(), err)
	}

	s := &Session{
		id:    uuid.New().String(),
		opts:  normalized,
		paths: options.DerivePaths(normalized.Output),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = logging.Component(s.logger, "capture").With(logging.KeySession, s.id)
	if s.registry == nil {
		s.registry = DefaultRegistry
	}
	if s.supervisor == nil {
		s.supervisor = NewSupervisor("", s.logger)
	}
	if s.watcher == nil {
		s.watcher = watcher.New(s.logger)
	}
	s.emitter = NewEmitter(s.logger)

	if err := PrepareDir(s.paths.Directory); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Get returns the string form of an option.
func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Get(key)
}

// Set changes an option. Changing output re-derives the paths. The new
// value applies from the next Start.
func (s *Session) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opts.Set(key, value); err != nil {
		return newError(CodeInvalidOption, err.Error(), err)
	}
	if key == options.KeyOutput {
		s.paths = options.DerivePaths(s.opts.Output)
	}
	return nil
}

// SetAll changes several options at once, in params key order. Either every
// value is applied or, when one is rejected, none is.
func (s *Session) SetAll(params options.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.opts.Clone()
	for _, key := range params.Keys() {
		if err := next.Set(key, params[key]); err != nil {
			return newError(CodeInvalidOption, err.Error(), err)
		}
	}
	s.opts = next
	s.paths = options.DerivePaths(s.opts.Output)
	return nil
}

// Paths returns the directory and file name derived from output.
func (s *Session) Paths() options.Paths {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths
}

// Options returns a copy of the normalized options.
func (s *Session) Options() *options.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Clone()
}

// Running reports whether this session's process is running.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// On registers a handler for one event kind and returns its ID.
func (s *Session) On(kind Kind, h Handler) string {
	return s.emitter.On(kind, h)
}

// OnAny registers a handler for every event kind.
func (s *Session) OnAny(h Handler) string {
	return s.emitter.OnAny(h)
}

// Off removes a handler registered with On or OnAny.
func (s *Session) Off(id string) bool {
	return s.emitter.Off(id)
}

// Start launches the capture program. It returns once the process is
// spawned; everything after that is reported through events. A rejected
// launch emits a start event carrying the error and returns the same error.
func (s *Session) Start() error {
	r, err := s.launch()
	if err != nil {
		kind := KindStart
		if code, _ := CodeOf(err); code == CodeSpawnFailed {
			kind = KindExit
		}
		ev := newEvent(kind, err)
		if kind == KindExit {
			ev.Diagnostic = err.Error()
		}
		s.logger.Warn("start rejected", "error", err)
		s.emitter.Emit(ev)
		return err
	}

	s.emitter.Emit(newEvent(KindStart, nil))
	go s.dispatch(r)
	return nil
}

// launch runs the start sequence under the session lock. The directory
// subscription is in place before the process is spawned.
func (s *Session) launch() (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil || s.registry.Running() {
		return nil, ErrAlreadyRunning
	}

	program, err := s.supervisor.Resolve(s.opts.Mode)
	if err != nil {
		return nil, err
	}

	if s.opts.Mode == options.ModeTimelapse {
		if s.opts.Timelapse == nil {
			return nil, ErrMissingTimelapse
		}
		if s.opts.Timeout == nil {
			t := options.MaxTimeout
			s.opts.Timeout = &t
		}
	}

	if err := PrepareDir(s.paths.Directory); err != nil {
		return nil, err
	}
	events, err := s.watcher.Subscribe(s.paths.Directory)
	if err != nil {
		return nil, fmt.Errorf("watch output directory: %w", err)
	}

	if !s.registry.TryAcquire(s.id) {
		s.watcher.Unsubscribe()
		return nil, ErrAlreadyRunning
	}

	proc, err := s.supervisor.Launch(program, s.opts.Args())
	if err != nil {
		s.registry.Release(s.id)
		s.watcher.Unsubscribe()
		return nil, err
	}
	s.registry.Track(s.id, proc.Kill)

	s.run = &run{proc: proc, events: events}
	return s.run, nil
}

// Stop kills the running process group and returns without waiting for it to
// be reaped. The registry is free once Stop returns. The directory
// subscription is always dropped. When nothing is running a stop event
// carrying ErrNotRunning is emitted and returned.
func (s *Session) Stop() error {
	s.watcher.Unsubscribe()

	s.mu.Lock()
	r := s.run
	if r != nil {
		r.stopped = true
		s.run = nil
	}
	s.mu.Unlock()

	if r == nil {
		s.emitter.Emit(newEvent(KindStop, ErrNotRunning))
		return ErrNotRunning
	}

	r.proc.Kill()
	s.registry.Release(s.id)

	s.logger.Info("capture stopped", logging.KeyPID, r.proc.PID())
	s.emitter.Emit(newEvent(KindStop, nil))
	return nil
}

// dispatch forwards directory notifications until the process exits, then
// reports the exit. It owns r.events.
func (s *Session) dispatch(r *run) {
	events := r.events
	for {
		select {
		case n, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.forward(r, n)

		case <-r.proc.Done():
			// The camera is free once the process is reaped; only the exit
			// event waits for the settle window.
			s.release(r)
			s.settle(r, events)
			s.finish(r)
			return
		}
	}
}

// release gives up the registry if r is still the current run. A run ended
// by Stop was released there, and the registry may since belong to a newer
// run of this session.
func (s *Session) release(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == r {
		s.registry.Release(s.id)
	}
}

// settle drains notifications that arrive shortly after exit.
func (s *Session) settle(r *run, events <-chan watcher.Notification) {
	if events == nil {
		return
	}
	timer := time.NewTimer(settleWindow)
	defer timer.Stop()

	for {
		select {
		case n, ok := <-events:
			if !ok {
				return
			}
			s.forward(r, n)
		case <-timer.C:
			return
		}
	}
}

func (s *Session) forward(r *run, n watcher.Notification) {
	s.mu.Lock()
	stopped := r.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	if n.Kind != watcher.KindRead {
		s.logger.Debug("directory event", "kind", n.Kind, "file", n.Filename)
	}
	s.emitter.Emit(notificationEvent(n))
}

// finish returns the session to idle after a natural exit. A run ended by
// Stop has already been cleaned up and reports nothing more.
func (s *Session) finish(r *run) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.watcher.Unsubscribe()
	s.registry.Release(s.id)
	s.run = nil
	s.mu.Unlock()

	res := r.proc.Result()
	ev := newEvent(KindExit, nil)
	ev.Timestamp = res.Time
	if diag := res.Diagnostic(); diag != "" {
		ev.Err = newError(CodeProcessFailed, diag, res.Err)
		ev.Diagnostic = diag
		s.logger.Warn("capture process failed", logging.KeyPID, r.proc.PID(), "diagnostic", diag)
	} else {
		s.logger.Info("capture process exited", logging.KeyPID, r.proc.PID())
	}
	s.emitter.Emit(ev)
}
