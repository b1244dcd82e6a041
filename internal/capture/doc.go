// Package capture runs a camera capture program and reports its lifecycle as
// a stream of events.
//
// A [Session] owns one set of normalized options. Start watches the output
// directory, spawns the capture program and emits:
//
//   - start, once the program is running (or carrying the reason it was not)
//   - read, for every file that appears in the output directory
//   - exit, when the program ends on its own, with a diagnostic on failure
//   - stop, when Stop kills the program, or with ErrNotRunning when idle
//
// Other directory changes (change, remove, moved, chmod) are passed through
// under their own kinds.
//
// Only one capture program runs per controller process. Sessions share a
// [Registry] (DefaultRegistry unless one is injected) and a start while it is
// held is rejected with ErrAlreadyRunning. Entry points call
// Registry.Shutdown before exiting so no capture program outlives them.
package capture
