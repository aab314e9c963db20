// Package spawn runs external tools with controlled privileges.
//
// mount, umount, fsck, losetup and cryptsetup are driven, never
// reimplemented. Every invocation blocks until the child exits and reports
// the child's exit status, since several tools (losetup, cryptsetup, fsck)
// encode their answer in it.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/MisterDA/pmount/internal/privilege"
)

// Options selects the privilege and stream handling for one invocation.
type Options struct {
	// Root raises the effective uid/gid to root for the duration of the
	// child process.
	Root bool
	// FullRoot additionally runs the child with real uid/gid 0. Some tools
	// (mount, cryptsetup with certain crypto backends) drop privileges
	// themselves when real and effective ids differ.
	FullRoot bool
	// SuppressStdout and SuppressStderr discard the respective stream.
	SuppressStdout bool
	SuppressStderr bool
	// Interactive connects the child to the terminal, for passphrase
	// prompts.
	Interactive bool
	// ExtraFile is inherited by the child as descriptor 3, reachable there
	// as /dev/fd/3. Used to hand losetup the exact open file rather than a
	// path that could be swapped underneath.
	ExtraFile *os.File
}

// Runner executes external programs.
type Runner interface {
	Run(ctx context.Context, opts Options, path string, args ...string) (int, error)
}

// ExecRunner runs programs via fork/exec, bracketing each run with the
// privilege elevator.
type ExecRunner struct {
	Privilege privilege.Elevator
	Log       *slog.Logger
}

// Run executes path with args and returns its exit status. A non-zero exit
// status is not an error; the error is non-nil only if the program could not
// be run at all.
func (r ExecRunner) Run(ctx context.Context, opts Options, path string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if !opts.SuppressStdout {
		cmd.Stdout = os.Stdout
	}
	if !opts.SuppressStderr {
		cmd.Stderr = os.Stderr
	}
	if opts.Interactive {
		cmd.Stdin = os.Stdin
	}
	if opts.FullRoot {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: 0, Gid: 0},
		}
	}
	if opts.ExtraFile != nil {
		cmd.ExtraFiles = []*os.File{opts.ExtraFile}
	}

	r.Log.Debug("Running external tool", "path", path, "args", args, "root", opts.Root, "fullRoot", opts.FullRoot)

	if opts.Root {
		release, err := r.Privilege.Raise()
		if err != nil {
			return -1, fmt.Errorf("raising privileges for %s: %w", path, err)
		}
		defer release()
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := exitErr.ExitCode()
		r.Log.Debug("External tool exited non-zero", "path", path, "status", status)
		return status, nil
	}
	return -1, fmt.Errorf("running %s: %w", path, err)
}
