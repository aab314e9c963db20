// Package privilege manages the effective credentials of the process.
//
// The binaries are installed setuid root: the real uid is the invoking user,
// the effective and saved uids are root. The process drops its effective ids
// right at startup and re-acquires them only for the narrow brackets that
// need root. Any failure to change an id is fatal, there is no safe way to
// continue once credential manipulation cannot be trusted.
package privilege

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Elevator brackets privileged operations.
type Elevator interface {
	// Raise sets the effective uid and gid to root and returns a function
	// restoring the unprivileged state. The release function must run on
	// every exit path; if restoring fails it terminates the process.
	Raise() (release func(), err error)
	// DropPermanently collapses real, effective and saved ids to the real
	// user, so that a subsequent exec runs without any way back to root.
	DropPermanently() error
	// IsSetuidRoot reports whether the saved credentials allow raising.
	IsSetuidRoot() bool
}

// System manipulates the credentials of the current process.
type System struct{}

// Drop lowers the effective uid and gid to the real ids, keeping root as the
// saved id. Called once at startup, before anything else runs.
func (System) Drop() error {
	if err := unix.Setregid(-1, unix.Getgid()); err != nil {
		return fmt.Errorf("dropping effective gid: %w", err)
	}
	if err := unix.Setreuid(-1, unix.Getuid()); err != nil {
		return fmt.Errorf("dropping effective uid: %w", err)
	}
	return nil
}

// Raise sets the effective uid and gid back to the saved root ids.
func (System) Raise() (func(), error) {
	if err := unix.Setreuid(-1, 0); err != nil {
		return nil, fmt.Errorf("raising effective uid to root: %w", err)
	}
	if err := unix.Setregid(-1, 0); err != nil {
		// undo the uid change before reporting
		_ = unix.Setreuid(-1, unix.Getuid())
		return nil, fmt.Errorf("raising effective gid to root: %w", err)
	}

	return func() {
		if err := unix.Setregid(-1, unix.Getgid()); err != nil {
			fatal(fmt.Errorf("restoring effective gid: %w", err))
		}
		if err := unix.Setreuid(-1, unix.Getuid()); err != nil {
			fatal(fmt.Errorf("restoring effective uid: %w", err))
		}
	}, nil
}

// DropPermanently collapses all three uid and gid slots to the real ids.
func (s System) DropPermanently() error {
	release, err := s.Raise()
	if err != nil {
		return err
	}
	_ = release // intentionally not called, the ids are overwritten below

	gid := unix.Getgid()
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("permanently dropping gids: %w", err)
	}
	uid := unix.Getuid()
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("permanently dropping uids: %w", err)
	}
	return nil
}

// IsSetuidRoot reports whether the process can raise to root, i.e. whether
// the binary is installed setuid root (or run by root directly).
func (System) IsSetuidRoot() bool {
	if unix.Geteuid() == 0 {
		return true
	}
	_, _, suid := unix.Getresuid()
	return suid == 0
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Internal error: %v\n", err)
	os.Exit(100)
}
