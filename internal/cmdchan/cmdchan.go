// Package cmdchan implements the command channel between the host and
// the guests.
//
// The host and a guest only share a directory. To run a command, the
// host writes its text to <vm>.command in that directory. The guest
// notices the file, runs the command with its output appended to
// <vm>.output, and deletes the file. The deletion is the only
// completion signal: exit statuses are not reported back.
//
// Only one command per VM can be outstanding at a time, since the
// guest only ever looks at one file name.
package cmdchan

import (
	"errors"
	"path/filepath"
)

var (
	// ErrTimeout is returned when a command did not complete within
	// the polling bound.
	ErrTimeout = errors.New("command did not complete in time")
	// ErrPending is returned when a command is dispatched to a VM
	// that still has one outstanding.
	ErrPending = errors.New("a command is already pending")
)

// CommandPath returns the path of the pending command file for vm.
func CommandPath(dir, vm string) string {
	return filepath.Join(dir, vm+".command")
}

// OutputPath returns the path of the accumulated output of vm.
func OutputPath(dir, vm string) string {
	return filepath.Join(dir, vm+".output")
}
