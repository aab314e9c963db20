// Package loopdev associates regular files with loop devices so they can be
// mounted like block devices.
package loopdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/spawn"
)

const losetupPath = "/sbin/losetup"

// childFdPath is where the child process sees the descriptor passed through
// [spawn.Options.ExtraFile].
const childFdPath = "/dev/fd/3"

// Manager finds free loop devices and binds files to them. Only the
// configured candidate devices are ever touched.
type Manager struct {
	runner    spawn.Runner
	devices   []string
	callerUID int
	openFile  func(path string) (*os.File, error)
	fileStat  func(f *os.File) (uid, mode uint32, err error)
	log       *slog.Logger
}

// New creates a [Manager] drawing loop devices from the candidates list for
// the calling user identified by uid.
func New(runner spawn.Runner, candidates []string, uid int, log *slog.Logger) *Manager {
	return &Manager{
		runner:    runner,
		devices:   candidates,
		callerUID: uid,
		openFile: func(path string) (*os.File, error) {
			return os.OpenFile(path, os.O_RDWR, 0)
		},
		fileStat:  fstat,
		log:       log,
	}
}

// Associate binds the source file to a free loop device and returns its
// path. The file is opened first and the binding references that open
// descriptor, so the checks below cannot be raced by swapping the path. The
// calling user must own the file and hold read and write permission on it;
// looping back someone else's file would let the caller read it through the
// block layer.
func (m *Manager) Associate(ctx context.Context, source string) (string, error) {
	f, err := m.openFile(source)
	if err != nil {
		return "", exitcode.Errorf(exitcode.Losetup, "opening %s for loop mount: %v", source, err)
	}
	defer f.Close()

	uid, mode, err := m.fileStat(f)
	if err != nil {
		return "", exitcode.Errorf(exitcode.Losetup, "getting status of %s: %v", source, err)
	}
	if int(uid) != m.callerUID {
		return "", exitcode.Errorf(exitcode.Losetup, "you do not own %s", source)
	}
	if mode&0o600 != 0o600 {
		return "", exitcode.Errorf(exitcode.Losetup, "no read and write permission on %s", source)
	}

	device, err := m.freeDevice(ctx)
	if err != nil {
		return "", err
	}

	status, err := m.runner.Run(ctx, spawn.Options{Root: true, ExtraFile: f},
		losetupPath, device, childFdPath)
	if err != nil {
		return "", exitcode.Wrap(exitcode.Losetup, err)
	}
	if status != 0 {
		return "", exitcode.Errorf(exitcode.Losetup,
			"binding %s to %s failed with status %d", source, device, status)
	}
	m.log.Debug("Associated loop device", "source", source, "device", device)
	return device, nil
}

// freeDevice returns the first candidate that losetup reports as
// unconfigured. Querying an unconfigured device exits with status 1.
func (m *Manager) freeDevice(ctx context.Context) (string, error) {
	for _, device := range m.devices {
		status, err := m.runner.Run(ctx, spawn.Options{
			Root:           true,
			SuppressStdout: true,
			SuppressStderr: true,
		}, losetupPath, device)
		if err != nil {
			return "", exitcode.Wrap(exitcode.Losetup, err)
		}
		if status == 1 {
			return device, nil
		}
	}
	return "", exitcode.Errorf(exitcode.Losetup, "no free loop device found")
}

// Dissociate detaches the loop device. The device may transiently be busy
// right after an unmount, so detaching is retried for a few seconds.
func (m *Manager) Dissociate(ctx context.Context, device string) error {
	err := retry.Do(func() error {
		status, err := m.runner.Run(ctx, spawn.Options{Root: true, SuppressStderr: true},
			losetupPath, "-d", device)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if status != 0 {
			return fmt.Errorf("losetup -d %s failed with status %d", device, status)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return exitcode.Wrap(exitcode.Losetup, err)
}

func fstat(f *os.File) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, 0, err
	}
	return st.Uid, uint32(st.Mode & 0o777), nil
}
