package capture

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/options"
)

// DefaultProgram is the capture program used for photo and timelapse modes.
const DefaultProgram = "/usr/bin/uvccapture"

// waitDelay bounds how long Wait keeps reading stderr after the program
// itself has exited.
const waitDelay = 2 * time.Second

// Supervisor resolves the program for a mode and launches it.
type Supervisor struct {
	programs map[options.Mode]string
	logger   *slog.Logger
}

// NewSupervisor returns a supervisor that runs program for photo and
// timelapse modes. An empty program selects DefaultProgram. Video is listed
// but has no program, so resolving it fails.
func NewSupervisor(program string, logger *slog.Logger) *Supervisor {
	if program == "" {
		program = DefaultProgram
	}
	return &Supervisor{
		programs: map[options.Mode]string{
			options.ModePhoto:     program,
			options.ModeTimelapse: program,
			options.ModeVideo:     "",
		},
		logger: logging.Component(logger, "supervisor"),
	}
}

// Resolve returns the program for mode.
func (s *Supervisor) Resolve(mode options.Mode) (string, error) {
	program := s.programs[mode]
	if program == "" {
		return "", ErrInvalidMode
	}
	return program, nil
}

// ExitResult describes how a capture process ended.
type ExitResult struct {
	Err    error
	Stderr string
	Time   time.Time
}

// Diagnostic returns the text to report for a failed run, or "" when the
// process exited cleanly and wrote nothing to stderr.
func (r ExitResult) Diagnostic() string {
	stderr := strings.TrimSpace(r.Stderr)
	switch {
	case stderr != "" && r.Err != nil:
		return fmt.Sprintf("%s: %v", stderr, r.Err)
	case stderr != "":
		return stderr
	case r.Err != nil:
		return r.Err.Error()
	}
	return ""
}

// Process is a running capture program.
type Process struct {
	cmd      *exec.Cmd
	stderr   bytes.Buffer
	done     chan struct{}
	result   ExitResult
	killOnce sync.Once
	started  time.Time
}

// Launch starts program with args, without a shell. The returned process
// reports its end through Done.
func (s *Supervisor) Launch(program string, args []string) (*Process, error) {
	cmd := exec.Command(program, args...)
	cmd.WaitDelay = waitDelay
	configureCommand(cmd)

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, newError(CodeSpawnFailed, fmt.Sprintf("could not start %s: %v", program, err), err)
	}
	p.started = time.Now().UTC()

	s.logger.Info("capture process started",
		logging.KeyPID, cmd.Process.Pid,
		"program", program,
		"args", strings.Join(args, " "))

	go p.wait(s.logger)
	return p, nil
}

func (p *Process) wait(logger *slog.Logger) {
	err := p.cmd.Wait()

	p.result = ExitResult{
		Err:    err,
		Stderr: p.stderr.String(),
		Time:   time.Now().UTC(),
	}
	logger.Debug("capture process exited",
		logging.KeyPID, p.cmd.Process.Pid,
		"error", err)
	close(p.done)
}

// Done is closed once the process has exited and Result is valid.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Result returns the exit result. Only valid after Done is closed.
func (p *Process) Result() ExitResult {
	<-p.done
	return p.result
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Kill forcibly terminates the process and anything it spawned. Calling it
// more than once, or after exit, is harmless.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		killProcess(p.cmd)
	})
}
