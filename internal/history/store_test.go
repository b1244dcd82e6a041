package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(id, kind string, at time.Time) session.Event {
	return session.Event{SessionID: id, Kind: kind, Timestamp: at}
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	version, err := getUserVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, s.Close())

	// Reopening an up to date database is a no-op.
	s, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestRecord_CompletedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Record(ctx, ev("cam", "start", t0)))

	read := ev("cam", "read", t0.Add(10*time.Millisecond))
	read.Filename = "image.jpg"
	require.NoError(t, s.Record(ctx, read))
	require.NoError(t, s.Record(ctx, ev("cam", "change", t0.Add(11*time.Millisecond))))
	require.NoError(t, s.Record(ctx, ev("cam", "exit", t0.Add(20*time.Millisecond))))

	runs, err := s.ListRuns(ctx, "cam", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, OutcomeCompleted, run.Outcome)
	assert.Equal(t, 1, run.Artifacts)
	assert.True(t, t0.Equal(run.StartedAt))
	require.NotNil(t, run.EndedAt)
	assert.True(t, t0.Add(20*time.Millisecond).Equal(*run.EndedAt))

	artifacts, err := s.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "image.jpg", artifacts[0].Filename)
	assert.Equal(t, run.ID, artifacts[0].RunID)
}

func TestRecord_FailedAndStoppedRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, s.Record(ctx, ev("cam", "start", t0)))
	exit := ev("cam", "exit", t0.Add(time.Millisecond))
	exit.Error = "Error: cannot open device"
	exit.Code = "PROCESS_FAILED"
	exit.Diagnostic = "cannot open device"
	require.NoError(t, s.Record(ctx, exit))

	require.NoError(t, s.Record(ctx, ev("cam", "start", t0.Add(2*time.Millisecond))))
	require.NoError(t, s.Record(ctx, ev("cam", "stop", t0.Add(3*time.Millisecond))))

	// A stop with nothing running changes nothing.
	idle := ev("cam", "stop", t0.Add(4*time.Millisecond))
	idle.Error = "Error: no process was running"
	require.NoError(t, s.Record(ctx, idle))

	runs, err := s.ListRuns(ctx, "cam", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, OutcomeStopped, runs[0].Outcome)
	assert.Equal(t, OutcomeFailed, runs[1].Outcome)
	assert.Equal(t, "PROCESS_FAILED", runs[1].ErrorCode)
	assert.Equal(t, "cannot open device", runs[1].Diagnostic)
}

func TestRecord_RejectedStartAndSpawnFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	rejected := ev("cam", "start", t0)
	rejected.Error = "Error: mode must be photo, timelapse or video"
	rejected.Code = "INVALID_MODE"
	require.NoError(t, s.Record(ctx, rejected))

	spawn := ev("other", "exit", t0.Add(time.Millisecond))
	spawn.Error = "Error: could not start"
	spawn.Code = "SPAWN_FAILED"
	spawn.Diagnostic = "Error: could not start"
	require.NoError(t, s.Record(ctx, spawn))

	runs, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "other", runs[0].CaptureID)
	assert.Equal(t, OutcomeFailed, runs[0].Outcome)
	assert.Equal(t, "cam", runs[1].CaptureID)
	assert.Equal(t, OutcomeRejected, runs[1].Outcome)
	assert.Equal(t, "INVALID_MODE", runs[1].ErrorCode)
	assert.NotNil(t, runs[1].EndedAt)
}

func TestRecord_ArtifactWithoutRun(t *testing.T) {
	s := openTestStore(t)
	read := ev("cam", "read", time.Now())
	read.Filename = "stray.jpg"
	require.NoError(t, s.Record(context.Background(), read))

	runs, err := s.ListRuns(context.Background(), "cam", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestListRuns_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.Record(ctx, ev("cam", "start", at)))
		require.NoError(t, s.Record(ctx, ev("cam", "exit", at)))
	}

	runs, err := s.ListRuns(ctx, "cam", 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[2].StartedAt))
}

func TestObserve_IgnoresUnknownKinds(t *testing.T) {
	s := openTestStore(t)
	s.Observe(ev("cam", "chmod", time.Now()))

	runs, err := s.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
