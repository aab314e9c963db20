// Package exitcode defines the stable process exit codes of pmount and
// pumount. Scripts depend on these values, do not renumber.
package exitcode

import (
	"errors"
	"fmt"
)

const (
	// OK is returned on success.
	OK = 0
	// Args is returned on invalid command line arguments.
	Args = 1
	// Device is returned when the device argument is missing or invalid.
	Device = 2
	// Mountpoint is returned when the mount point is invalid.
	Mountpoint = 3
	// Policy is returned when the admission policy denies the operation.
	Policy = 4
	// ExecMount is returned when the external mount or umount program failed.
	ExecMount = 5
	// Unlock is returned when a device lock could not be released.
	Unlock = 6
	// PID is returned when a lock pid argument is not a valid process id.
	PID = 7
	// Locked is returned when another instance holds the mount point lock.
	Locked = 8
	// Disallowed is returned when the system configuration forbids the
	// requested feature (fsck, loop mounts).
	Disallowed = 9
	// Losetup is returned when loop device setup failed.
	Losetup = 10
	// Internal is returned on unexpected faults, including any failure to
	// manipulate process credentials.
	Internal = 100
)

// Error couples an error with the exit code the process must terminate with.
type Error struct {
	Code int
	err  error
}

// Errorf builds an [Error] with the given code, formatting like [fmt.Errorf].
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// Wrap attaches an exit code to err. Returns nil if err is nil. If err
// already carries an exit code, that code wins.
func Wrap(code int, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *Error
	if errors.As(err, &exitErr) {
		return err
	}
	return &Error{Code: code, err: err}
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// FromError extracts the exit code from err, defaulting to [Internal] for
// errors without one and [OK] for nil.
func FromError(err error) int {
	if err == nil {
		return OK
	}
	var exitErr *Error
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return Internal
}
