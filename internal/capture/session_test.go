package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 5 * time.Second

// writeProgram writes an executable shell script standing in for the
// capture program.
func writeProgram(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakecapture")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// writeOutputScript is a program that writes its -output target and exits.
const writeOutputScript = `for a in "$@"; do
  case "$a" in -output*) out="${a#-output}";; esac
done
echo jpeg > "$out"`

func newTestSession(t *testing.T, params options.Params, program string, reg *Registry) *Session {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	s, err := New(params,
		WithRegistry(reg),
		WithSupervisor(NewSupervisor(program, logging.Nop())),
		WithLogger(logging.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.Running() {
			s.Stop()
		}
	})
	return s
}

func record(s *Session) <-chan Event {
	ch := make(chan Event, 64)
	s.OnAny(func(e Event) { ch <- e })
	return ch
}

// collectUntil reads events until one of kind arrives and returns all of
// them in order.
func collectUntil(t *testing.T, ch <-chan Event, kind Kind) []Event {
	t.Helper()
	var seen []Event
	deadline := time.After(eventTimeout)
	for {
		select {
		case e := <-ch:
			seen = append(seen, e)
			if e.Kind == kind {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event; saw %v", kind, kinds(seen))
		}
	}
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func indexOf(events []Event, kind Kind) int {
	for i, e := range events {
		if e.Kind == kind {
			return i
		}
	}
	return -1
}

func assertQuiet(t *testing.T, ch <-chan Event, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected %s event", e.Kind)
	case <-time.After(d):
	}
}

func TestNew_MissingModeOrOutput(t *testing.T) {
	t.Chdir(t.TempDir())

	for _, p := range []options.Params{
		{"output": "./nomode/a.jpg"},
		{"mode": "photo"},
		{},
	} {
		s, err := New(p, WithLogger(logging.Nop()))
		assert.Nil(t, s)
		assert.ErrorIs(t, err, ErrMissingOption)
		assert.EqualError(t, err, "Error: must define mode and output")
	}

	_, err := os.Stat("nomode")
	assert.True(t, os.IsNotExist(err), "construction must not create directories")
}

func TestNew_CreatesOutputDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s := newTestSession(t, options.Params{"mode": "photo", "output": dir + "/img.jpg"}, "/bin/true", nil)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, DirPerm, info.Mode().Perm())
	assert.Equal(t, options.Paths{Directory: dir + "/", Filename: "img.jpg"}, s.Paths())
}

func TestNew_InvalidNumber(t *testing.T) {
	_, err := New(options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg", "width": "wide"},
		WithLogger(logging.Nop()))
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.ErrorIs(t, err, options.ErrInvalidValue)
}

func TestNew_RaspicamTranslation(t *testing.T) {
	out := t.TempDir() + "/r.jpg"
	s := newTestSession(t, options.Params{
		"mode":            "photo",
		"output":          out,
		"emulateraspicam": "true",
		"w":               "1280",
		"t":               "20000",
		"vf":              "true",
		"ISO":             "400",
	}, "/bin/true", nil)

	width, _ := s.Get("width")
	assert.Equal(t, "1280", width)
	timeout, _ := s.Get("timeout")
	assert.Equal(t, "9999", timeout)
	vflip, ok := s.Get("vflip")
	assert.True(t, ok)
	assert.Equal(t, "true", vflip)

	for _, gone := range []string{"emulateraspicam", "w", "t", "vf", "ISO"} {
		_, ok := s.Get(gone)
		assert.False(t, ok, "%s should not survive translation", gone)
	}
}

func TestSession_SetOutputRederivesPaths(t *testing.T) {
	base := t.TempDir()
	s := newTestSession(t, options.Params{"mode": "photo", "output": base + "/one/a.jpg"}, "/bin/true", nil)

	require.NoError(t, s.Set("output", base+"/two/b.jpg"))
	assert.Equal(t, options.Paths{Directory: base + "/two/", Filename: "b.jpg"}, s.Paths())

	got, _ := s.Get("output")
	assert.Equal(t, base+"/two/b.jpg", got)

	require.NoError(t, s.Set("timeout", "123456"))
	timeout, _ := s.Get("timeout")
	assert.Equal(t, "9999", timeout)

	assert.ErrorIs(t, s.Set("height", "tall"), ErrInvalidOption)
}

func TestSession_SetAllIsAtomic(t *testing.T) {
	base := t.TempDir()
	s := newTestSession(t, options.Params{"mode": "photo", "output": base + "/one/a.jpg", "width": "640"}, "/bin/true", nil)

	err := s.SetAll(options.Params{"output": base + "/two/b.jpg", "width": "1280", "height": "tall"})
	assert.ErrorIs(t, err, ErrInvalidOption)

	width, _ := s.Get("width")
	assert.Equal(t, "640", width)
	assert.Equal(t, options.Paths{Directory: base + "/one/", Filename: "a.jpg"}, s.Paths())

	require.NoError(t, s.SetAll(options.Params{"output": base + "/two/b.jpg", "width": "1280"}))
	width, _ = s.Get("width")
	assert.Equal(t, "1280", width)
	assert.Equal(t, options.Paths{Directory: base + "/two/", Filename: "b.jpg"}, s.Paths())
}

func TestSession_PhotoScenario(t *testing.T) {
	t.Chdir(t.TempDir())
	reg := NewRegistry()
	s := newTestSession(t, options.Params{
		"mode":    "photo",
		"output":  "./photo/image.jpg",
		"timeout": "0",
	}, writeProgram(t, writeOutputScript), reg)
	events := record(s)

	require.NoError(t, s.Start())

	seen := collectUntil(t, events, KindExit)
	require.Equal(t, KindStart, seen[0].Kind)
	assert.Nil(t, seen[0].Err)
	assert.False(t, seen[0].Timestamp.IsZero())

	read := indexOf(seen, KindRead)
	require.NotEqual(t, -1, read, "expected a read event, saw %v", kinds(seen))
	assert.Nil(t, seen[read].Err)
	assert.Equal(t, "image.jpg", seen[read].Filename)

	exit := seen[len(seen)-1]
	assert.Nil(t, exit.Err)
	assert.Empty(t, exit.Diagnostic)
	assert.False(t, exit.Timestamp.IsZero())

	assert.False(t, s.Running())
	assert.False(t, reg.Running())
	assert.FileExists(t, "photo/image.jpg")
}

func TestSession_EventIDsSortInEmissionOrder(t *testing.T) {
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/x.jpg"},
		writeProgram(t, writeOutputScript), nil)
	events := record(s)

	require.NoError(t, s.Start())
	seen := collectUntil(t, events, KindExit)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1].ID, seen[i].ID)
	}
}

func TestSession_TimelapseWithoutFrequency(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "timelapse", "output": t.TempDir() + "/tl/a.jpg"},
		writeProgram(t, "touch "+marker), reg)
	events := record(s)

	err := s.Start()
	assert.ErrorIs(t, err, ErrMissingTimelapse)

	ev := collectUntil(t, events, KindStart)[0]
	require.Error(t, ev.Err)
	assert.Equal(t, "Error: must specify timelapse frequency option", ev.Err.Error())

	assertQuiet(t, events, 200*time.Millisecond)
	assert.NoFileExists(t, marker)
	assert.False(t, reg.Running())
	assert.False(t, s.Running())
}

func TestSession_TimelapseDefaultsTimeout(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	s := newTestSession(t, options.Params{
		"mode":      "timelapse",
		"output":    t.TempDir() + "/a.jpg",
		"timelapse": "500",
	}, writeProgram(t, fmt.Sprintf(`printf '%%s\n' "$@" > %s`, argsFile)), nil)
	events := record(s)

	require.NoError(t, s.Start())
	collectUntil(t, events, KindExit)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Fields(string(data))
	assert.Contains(t, args, "-timeout9999")
	assert.Contains(t, args, "-timelapse500")
	assert.NotContains(t, args, "-modetimelapse")

	timeout, ok := s.Get("timeout")
	assert.True(t, ok)
	assert.Equal(t, "9999", timeout)
}

func TestSession_VideoRejected(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "video", "output": t.TempDir() + "/v.mp4"},
		writeProgram(t, "touch "+marker), reg)
	events := record(s)

	err := s.Start()
	assert.ErrorIs(t, err, ErrInvalidMode)

	ev := collectUntil(t, events, KindStart)[0]
	assert.Equal(t, "Error: mode must be photo, timelapse or video", ev.ErrText())

	assertQuiet(t, events, 200*time.Millisecond)
	assert.NoFileExists(t, marker)
	assert.False(t, reg.Running())
}

func TestSession_StopWhenIdle(t *testing.T) {
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"}, "/bin/true", nil)
	events := record(s)

	err := s.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)

	ev := collectUntil(t, events, KindStop)[0]
	assert.Equal(t, "Error: no process was running", ev.ErrText())
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSession_StopRunning(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "exec sleep 30"), reg)
	events := record(s)

	require.NoError(t, s.Start())
	collectUntil(t, events, KindStart)
	assert.True(t, s.Running())
	assert.Equal(t, s.ID(), reg.Owner())

	require.NoError(t, s.Stop())
	ev := collectUntil(t, events, KindStop)[0]
	assert.Nil(t, ev.Err)

	assert.False(t, s.Running())
	assert.False(t, reg.Running())

	// The killed process must not also report a natural exit.
	assertQuiet(t, events, 500*time.Millisecond)
}

func TestSession_StopDoesNotWaitForReap(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "exec sleep 30"), reg)
	events := record(s)

	require.NoError(t, s.Start())
	collectUntil(t, events, KindStart)

	begin := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(begin), 250*time.Millisecond)
	assert.False(t, reg.Running())

	// Another session can take the camera straight away.
	other := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/b.jpg"},
		writeProgram(t, "exit 0"), reg)
	require.NoError(t, other.Start())
}

func TestSession_StopKillsChildren(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process groups are only used on linux")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, fmt.Sprintf("sleep 30 &\necho $! > %s\nwait", pidFile)), nil)
	events := record(s)

	require.NoError(t, s.Start())
	collectUntil(t, events, KindStart)

	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, s.Stop())

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(data))
	assert.Eventually(t, func() bool { return processGone(pid) },
		eventTimeout, 20*time.Millisecond, "child %s survived stop", pid)
}

// processGone reports whether pid has exited. A zombie waiting to be reaped
// counts as gone.
func processGone(pid string) bool {
	data, err := os.ReadFile("/proc/" + pid + "/stat")
	if err != nil {
		return true
	}
	stat := string(data)
	i := strings.LastIndex(stat, ")")
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z' || stat[i+2] == 'X'
}

func TestSession_OneCaptureAcrossSessions(t *testing.T) {
	reg := NewRegistry()
	marker := filepath.Join(t.TempDir(), "second")
	first := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "exec sleep 30"), reg)
	second := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/b.jpg"},
		writeProgram(t, "touch "+marker), reg)
	secondEvents := record(second)

	require.NoError(t, first.Start())

	err := second.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	ev := collectUntil(t, secondEvents, KindStart)[0]
	assert.Equal(t, "Error: a capture process is already running", ev.ErrText())

	assert.True(t, first.Running())
	assert.False(t, second.Running())
	assert.Equal(t, first.ID(), reg.Owner())
	assert.NoFileExists(t, marker)

	// A second start on the running session is rejected the same way.
	assert.ErrorIs(t, first.Start(), ErrAlreadyRunning)
	assert.True(t, first.Running())
}

func TestSession_RegistryFreedBeforeExitEvent(t *testing.T) {
	reg := NewRegistry()
	first := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "exit 0"), reg)
	second := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/b.jpg"},
		writeProgram(t, "exec sleep 30"), reg)
	firstEvents := record(first)

	require.NoError(t, first.Start())
	collectUntil(t, firstEvents, KindStart)
	require.Eventually(t, func() bool { return !reg.Running() }, eventTimeout, time.Millisecond)

	// The exit event is still held back for late directory events, but the
	// registry already lets another session start.
	assert.True(t, first.Running())
	require.NoError(t, second.Start())
	assert.Equal(t, second.ID(), reg.Owner())

	ev := collectUntil(t, firstEvents, KindExit)
	assert.Nil(t, ev[len(ev)-1].Err)
	assert.Equal(t, second.ID(), reg.Owner(), "exit of the first session must not release the second")
	require.NoError(t, second.Stop())
}

func TestSession_ProcessFailure(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "echo 'cannot open /dev/video0' >&2\nexit 1"), reg)
	events := record(s)

	require.NoError(t, s.Start())
	exit := collectUntil(t, events, KindExit)
	ev := exit[len(exit)-1]

	require.Error(t, ev.Err)
	assert.ErrorIs(t, ev.Err, ErrProcessFailed)
	assert.Contains(t, ev.Diagnostic, "cannot open /dev/video0")
	assert.Contains(t, ev.Diagnostic, "exit status 1")
	assert.False(t, reg.Running())
}

func TestSession_StderrOnlyIsFailure(t *testing.T) {
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "echo warning >&2"), nil)
	events := record(s)

	require.NoError(t, s.Start())
	seen := collectUntil(t, events, KindExit)
	assert.Equal(t, "warning", seen[len(seen)-1].Diagnostic)
}

func TestSession_SpawnFailure(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		filepath.Join(t.TempDir(), "missing-program"), reg)
	events := record(s)

	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)

	seen := collectUntil(t, events, KindExit)
	assert.Equal(t, []Kind{KindExit}, kinds(seen))
	assert.NotEmpty(t, seen[0].Diagnostic)
	assert.False(t, reg.Running())
	assert.False(t, s.Running())
}

func TestSession_RestartAfterExit(t *testing.T) {
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, writeOutputScript), nil)
	events := record(s)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Start())
		collectUntil(t, events, KindExit)
	}
}

func TestSession_StartIntoNewDirectory(t *testing.T) {
	base := t.TempDir()
	s := newTestSession(t, options.Params{"mode": "photo", "output": base + "/first/a.jpg"},
		writeProgram(t, writeOutputScript), nil)
	events := record(s)

	require.NoError(t, s.Set("output", base+"/later/b.jpg"))
	require.NoError(t, s.Start())

	seen := collectUntil(t, events, KindExit)
	read := indexOf(seen, KindRead)
	require.NotEqual(t, -1, read)
	assert.Equal(t, "b.jpg", seen[read].Filename)
}

func TestSession_HandlerPerKindAndOff(t *testing.T) {
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"}, "/bin/true", nil)

	var stops int
	id := s.On(KindStop, func(Event) { stops++ })
	s.On(KindStart, func(Event) { t.Error("start handler must not see stop events") })

	s.Stop()
	assert.Equal(t, 1, stops)

	assert.True(t, s.Off(id))
	s.Stop()
	assert.Equal(t, 1, stops)
}

func TestRegistryShutdownKillsTrackedProcess(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, options.Params{"mode": "photo", "output": t.TempDir() + "/a.jpg"},
		writeProgram(t, "exec sleep 30"), reg)
	events := record(s)

	require.NoError(t, s.Start())
	collectUntil(t, events, KindStart)

	reg.Shutdown()

	seen := collectUntil(t, events, KindExit)
	ev := seen[len(seen)-1]
	assert.True(t, errors.Is(ev.Err, ErrProcessFailed))
	assert.Contains(t, ev.Diagnostic, "killed")
	assert.False(t, s.Running())
}
