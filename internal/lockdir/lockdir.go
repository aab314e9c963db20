// Package lockdir coordinates independent pmount invocations through the
// filesystem: per-device lock directories holding one file per holder pid,
// and per-mountpoint advisory locks on sentinel files.
package lockdir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/MisterDA/pmount/internal/privilege"
)

// ErrAlreadyLocked is returned when another invocation holds the mountpoint
// lock. It must be reported distinctly so that callers fail fast instead of
// treating the race as an I/O fault.
var ErrAlreadyLocked = errors.New("mount point is locked by another instance")

// Manager implements device and mountpoint locking.
type Manager struct {
	// root holds one subdirectory per locked device.
	root string
	// sentinelDir holds the advisory-lock sentinel files for mountpoints.
	sentinelDir string
	priv        privilege.Elevator
	pidAlive    func(pid int) bool
	log         *slog.Logger
}

// New creates a lock [Manager] rooted at root, with mountpoint sentinel
// files in sentinelDir.
func New(root, sentinelDir string, priv privilege.Elevator, log *slog.Logger) *Manager {
	m := &Manager{
		root:        root,
		sentinelDir: sentinelDir,
		priv:        priv,
		log:         log,
	}
	m.pidAlive = m.signalAlive
	return m
}

// Lock records pid as a holder of the device lock. Only live pids may take
// locks; this keeps forged or stale pids from wedging a device forever.
func (m *Manager) Lock(device string, pid int) error {
	if !m.pidAlive(pid) {
		return fmt.Errorf("cannot lock for pid %d, this process does not exist", pid)
	}

	release, err := m.priv.Raise()
	if err != nil {
		return err
	}
	defer release()

	dir := m.deviceDir(device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, strconv.Itoa(pid)), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating pid lock file: %w", err)
	}
	return f.Close()
}

// Unlock removes pid's hold on the device lock. Remaining holders keep the
// device locked; an already-removed pid file is not an error.
func (m *Manager) Unlock(device string, pid int) error {
	release, err := m.priv.Raise()
	if err != nil {
		return err
	}
	defer release()

	dir := m.deviceDir(device)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(filepath.Join(dir, strconv.Itoa(pid))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid lock file: %w", err)
	}
	if err := os.Remove(dir); err != nil && !isNotEmpty(err) && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock directory: %w", err)
	}
	return nil
}

// Clean drops lock files of pids that no longer exist, so crashed holders
// never block a device indefinitely. Called before any new lock or policy
// decision; errors are deliberately ignored, the worst outcome is a stale
// lock that the administrator has to remove.
func (m *Manager) Clean(device string) {
	dir := m.deviceDir(device)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	release, err := m.priv.Raise()
	if err != nil {
		return
	}
	defer release()

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if m.pidAlive(pid) {
			continue
		}
		m.log.Debug("Removing stale lock file", "device", device, "pid", pid)
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	_ = os.Remove(dir) // fails while holders remain, which is fine
}

// Locked reports whether the device lock directory exists and is non-empty
// after garbage collection.
func (m *Manager) Locked(device string) bool {
	m.Clean(device)
	entries, err := os.ReadDir(m.deviceDir(device))
	return err == nil && len(entries) > 0
}

// LockMountpoint takes an exclusive, non-blocking advisory lock on the
// sentinel file of the given mountpoint. Returns [ErrAlreadyLocked] without
// blocking when another invocation holds it. The returned release function
// unlocks and removes the sentinel.
func (m *Manager) LockMountpoint(mntpt string) (func(), error) {
	sentinel := m.sentinelPath(mntpt)

	release, err := m.priv.Raise()
	if err != nil {
		return nil, err
	}
	fl := flock.New(sentinel)
	locked, err := fl.TryLock()
	release()
	if err != nil {
		return nil, fmt.Errorf("locking mount point sentinel %s: %w", sentinel, err)
	}
	if !locked {
		return nil, ErrAlreadyLocked
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.Warn("Unlocking mount point sentinel", "path", sentinel, "error", err)
		}
		if release, err := m.priv.Raise(); err == nil {
			_ = os.Remove(sentinel)
			release()
		}
	}, nil
}

func (m *Manager) deviceDir(device string) string {
	return filepath.Join(m.root, Flatten(device))
}

func (m *Manager) sentinelPath(mntpt string) string {
	return filepath.Join(m.sentinelDir, "pmount_"+Flatten(mntpt))
}

// Flatten turns a path into a single filename by replacing slashes with
// underscores. Lock directories, sentinel files and device-mapper labels all
// use this scheme, so the same device always maps to the same name.
func Flatten(path string) string {
	return flatten(path)
}

// signalAlive probes liveness with a zero signal, raised so that locks held
// by other users' processes are honored too.
func (m *Manager) signalAlive(pid int) bool {
	release, err := m.priv.Raise()
	if err != nil {
		return false
	}
	defer release()
	return unix.Kill(pid, 0) == nil
}

func flatten(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
}

func isNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}
