// Package policy decides whether a device may be mounted or unmounted by the
// calling user. It combines mount-table state, sysfs removability, the
// administrator allowlist and the lock manager into a single verdict.
package policy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/MisterDA/pmount/internal/config"
	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/mnttab"
)

// StampFile is created inside mount point directories this tool creates, so
// that only those directories are removed again on unmount or failure.
const StampFile = ".created_by_pmount"

type removabilityOracle interface {
	Removable(device string) bool
}

type lockChecker interface {
	Locked(device string) bool
}

// Engine evaluates the admission policy. It holds only immutable
// configuration and read-only collaborators; one Engine serves a whole
// invocation.
type Engine struct {
	cfg       config.Config
	tables    *mnttab.Inspector
	oracle    removabilityOracle
	locks     lockChecker
	fs        afero.Fs
	resolve   func(string) string
	blockDev  func(path string) (bool, error)
	callerUID int
	log       *slog.Logger
}

// New creates a policy [Engine] for the calling user identified by uid.
func New(cfg config.Config, tables *mnttab.Inspector, oracle removabilityOracle,
	locks lockChecker, uid int, log *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		tables:    tables,
		oracle:    oracle,
		locks:     locks,
		fs:        afero.NewOsFs(),
		resolve:   mnttab.Realpath,
		blockDev:  isBlockDevice,
		callerUID: uid,
		log:       log,
	}
}

// DeviceValid reports whether the path exists and names a block device.
func (e *Engine) DeviceValid(device string) error {
	ok, err := e.blockDev(device)
	if err != nil {
		return exitcode.Errorf(exitcode.Device, "invalid device %s: %v", device, err)
	}
	if !ok {
		return exitcode.Errorf(exitcode.Device, "invalid device %s: not a block device", device)
	}
	return nil
}

// DeviceRemovable reports whether the sysfs oracle classifies the device as
// removable.
func (e *Engine) DeviceRemovable(device string) bool {
	return e.oracle.Removable(device)
}

// DeviceAllowlisted reports whether the device matches an entry of the
// administrator allowlist. Matching is symlink transparent: both the literal
// device path and its canonical target are tried against each pattern, and a
// literal entry also matches when its own canonical target is the device.
func (e *Engine) DeviceAllowlisted(device string) (bool, error) {
	f, err := e.fs.Open(e.cfg.AllowlistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, exitcode.Wrap(exitcode.Internal,
			fmt.Errorf("opening allowlist %s: %w", e.cfg.AllowlistPath, err))
	}
	defer f.Close()

	patterns, err := readAllowlist(f)
	if err != nil {
		return false, exitcode.Wrap(exitcode.Internal,
			fmt.Errorf("reading allowlist %s: %w", e.cfg.AllowlistPath, err))
	}

	resolved := e.resolve(device)
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			e.log.Warn("Skipping malformed allowlist pattern", "pattern", pattern, "error", err)
			continue
		}
		if g.Match(device) || g.Match(resolved) {
			return true, nil
		}
		if e.resolve(pattern) == resolved {
			return true, nil
		}
	}
	return false, nil
}

// MountedEntry returns the live mount table entry of the device, consulting
// /etc/mtab first and the kernel's own table second, or nil if the device is
// not mounted.
func (e *Engine) MountedEntry(device string) (*mnttab.Entry, error) {
	for _, table := range []string{mnttab.MTab, mnttab.ProcMounts} {
		entry, err := e.tables.FindDevice(table, device)
		if err != nil {
			// /etc/mtab may be missing entirely; a missing kernel table is
			// an operational fault, not an unmounted device
			if table == mnttab.MTab && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

// DeviceLocked reports whether the device lock directory holds live pids.
func (e *Engine) DeviceLocked(device string) bool {
	return e.locks.Locked(device)
}

// MountpointValid checks that the directory may serve as a mount point: it
// must not appear in the static system fstab, and it must either not exist
// yet or be an empty directory (a leftover stamp file does not count).
func (e *Engine) MountpointValid(mntpt string) error {
	entry, err := e.tables.FindMountpoint(mnttab.Fstab, mntpt)
	if err != nil {
		return err
	}
	if entry != nil {
		return exitcode.Errorf(exitcode.Mountpoint,
			"mount point %s is managed by /etc/fstab, use mount(8) instead", mntpt)
	}

	info, err := e.fs.Stat(mntpt)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return exitcode.Errorf(exitcode.Mountpoint, "invalid mount point %s: %v", mntpt, err)
	}
	if !info.IsDir() {
		return exitcode.Errorf(exitcode.Mountpoint, "mount point %s is not a directory", mntpt)
	}

	entries, err := afero.ReadDir(e.fs, mntpt)
	if err != nil {
		return exitcode.Errorf(exitcode.Mountpoint, "reading mount point %s: %v", mntpt, err)
	}
	for _, ent := range entries {
		if ent.Name() != StampFile {
			return exitcode.Errorf(exitcode.Mountpoint, "mount point %s is not empty", mntpt)
		}
	}
	return nil
}

// MountpointMounted reports whether something is currently mounted on the
// directory.
func (e *Engine) MountpointMounted(mntpt string) (bool, error) {
	for _, table := range []string{mnttab.MTab, mnttab.ProcMounts} {
		entry, err := e.tables.FindMountpoint(table, mntpt)
		if err != nil {
			if table == mnttab.MTab && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return false, err
		}
		if entry != nil {
			return true, nil
		}
	}
	return false, nil
}

// CheckMount evaluates the full mount admission policy for the device and
// mount point. loopMount marks a device this invocation just looped back;
// file ownership was already proven then, so the removable/allowlist test is
// skipped.
func (e *Engine) CheckMount(device, mntpt string, loopMount bool) error {
	if err := e.DeviceValid(device); err != nil {
		return err
	}

	entry, err := e.MountedEntry(device)
	if err != nil {
		return err
	}
	if entry != nil {
		return exitcode.Errorf(exitcode.Policy, "device %s is already mounted on %s", device, entry.Mountpoint)
	}

	if !loopMount {
		allowed, err := e.DeviceAllowlisted(device)
		if err != nil {
			return err
		}
		if !allowed && !e.DeviceRemovable(device) {
			return exitcode.Errorf(exitcode.Policy,
				"device %s is not removable and not whitelisted", device)
		}
	}

	if e.DeviceLocked(device) {
		return exitcode.Errorf(exitcode.Policy, "device %s is locked", device)
	}

	if err := e.MountpointValid(mntpt); err != nil {
		return err
	}
	mounted, err := e.MountpointMounted(mntpt)
	if err != nil {
		return err
	}
	if mounted {
		return exitcode.Errorf(exitcode.Policy, "mount point %s is already used", mntpt)
	}
	return nil
}

// CheckUnmount evaluates the unmount admission policy and returns the live
// table entry to unmount. With lazy set, a vanished device node is tolerated
// since a lazy detach is exactly the remedy for it.
func (e *Engine) CheckUnmount(device string, lazy bool) (*mnttab.Entry, error) {
	if err := e.DeviceValid(device); err != nil {
		if !lazy {
			return nil, err
		}
		e.log.Debug("Ignoring missing device for lazy unmount", "device", device)
	}

	entry, err := e.MountedEntry(device)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, exitcode.Errorf(exitcode.Policy, "device %s is not mounted", device)
	}
	if owner := entry.OwnerUID(); owner >= 0 && owner != e.callerUID && e.callerUID != 0 {
		return nil, exitcode.Errorf(exitcode.Policy,
			"device %s was mounted by uid %d, not by you", device, owner)
	}

	if !e.underMediaRoot(entry.Mountpoint) && !e.exceptionMatch(device, entry.Mountpoint) {
		return nil, exitcode.Errorf(exitcode.Policy,
			"mount point %s is outside of %s and not an allowed exception", entry.Mountpoint, e.cfg.MediaRoot)
	}
	return entry, nil
}

func (e *Engine) underMediaRoot(mntpt string) bool {
	root := strings.TrimSuffix(e.cfg.MediaRoot, "/")
	resolved := e.resolve(mntpt)
	return resolved == root || strings.HasPrefix(resolved, root+"/")
}

// exceptionMatch reports whether the configuration records this exact device
// and mount point pair as unmountable outside the media root. Matching is by
// string equality on the configured values, never by pattern.
func (e *Engine) exceptionMatch(device, mntpt string) bool {
	configured, ok := e.cfg.MountpointExceptions[device]
	if !ok {
		configured, ok = e.cfg.MountpointExceptions[e.resolve(device)]
	}
	return ok && configured == mntpt
}

func readAllowlist(f io.Reader) ([]string, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

func isBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}

// MountpointFor derives the mount point directory for a device or label
// under the configured media root. A device path is reduced to its base name
// with remaining slashes flattened; a user-supplied label must be a single
// non-empty path component of sane length.
func (e *Engine) MountpointFor(deviceOrLabel string, isLabel bool) (string, error) {
	name := deviceOrLabel
	if isLabel {
		name = strings.TrimPrefix(name, strings.TrimSuffix(e.cfg.MediaRoot, "/")+"/")
		if name == "" || name == "." || name == ".." || len(name) > 255 || strings.ContainsRune(name, '/') {
			return "", exitcode.Errorf(exitcode.Mountpoint, "invalid mount point label %q", deviceOrLabel)
		}
	} else {
		name = strings.TrimPrefix(name, "/dev/")
		name = strings.ReplaceAll(strings.Trim(name, "/"), "/", "_")
		if name == "" {
			return "", exitcode.Errorf(exitcode.Device, "invalid device %q", deviceOrLabel)
		}
	}
	return filepath.Join(e.cfg.MediaRoot, name), nil
}
