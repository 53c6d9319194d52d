// Package supervisor runs submitted scripts as tasks. Each task gets its
// own worker goroutine and engine session; the supervisor records the
// outcome exactly once, whether the script finishes, fails or is stopped.
package supervisor
