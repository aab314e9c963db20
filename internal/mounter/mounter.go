// Package mounter drives the mount and unmount operations end to end:
// argument resolution, fstab delegation, loop setup, decryption, policy
// admission, locking, the mount attempt loop, and the unwind of partial work
// on every failure path.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/MisterDA/pmount/internal/config"
	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/fstable"
	"github.com/MisterDA/pmount/internal/lockdir"
	"github.com/MisterDA/pmount/internal/loopdev"
	"github.com/MisterDA/pmount/internal/luks"
	"github.com/MisterDA/pmount/internal/mnttab"
	"github.com/MisterDA/pmount/internal/policy"
	"github.com/MisterDA/pmount/internal/privilege"
	"github.com/MisterDA/pmount/internal/spawn"
)

const (
	mountPath  = "/bin/mount"
	umountPath = "/bin/umount"
	fsckPath   = "/sbin/fsck"
)

// Device identifies what is being mounted and what has to be torn down again
// on failure.
type Device interface {
	// Path is the block device node handed to mount.
	Path() string
	sealed()
}

// PlainDevice is an ordinary block device.
type PlainDevice struct{ path string }

// Path implements [Device].
func (d PlainDevice) Path() string { return d.path }

func (PlainDevice) sealed() {}

// LoopDevice is a loop device this invocation bound to a disk image.
type LoopDevice struct{ path, source string }

// Path implements [Device].
func (d LoopDevice) Path() string { return d.path }

// Source is the disk image the device is bound to.
func (d LoopDevice) Source() string { return d.source }

func (LoopDevice) sealed() {}

// MappedDevice is a decrypted device-mapper node on top of an underlying
// device.
type MappedDevice struct {
	path       string
	underlying Device
}

// Path implements [Device].
func (d MappedDevice) Path() string { return d.path }

// Underlying is the encrypted device below the mapping.
func (d MappedDevice) Underlying() Device { return d.underlying }

func (MappedDevice) sealed() {}

type admission interface {
	DeviceValid(device string) error
	DeviceRemovable(device string) bool
	CheckMount(device, mntpt string, loopMount bool) error
	CheckUnmount(device string, lazy bool) (*mnttab.Entry, error)
	MountpointFor(arg string, isLabel bool) (string, error)
}

type locker interface {
	Lock(device string, pid int) error
	Unlock(device string, pid int) error
	Clean(device string)
	LockMountpoint(mntpt string) (func(), error)
}

type decrypter interface {
	Decrypt(ctx context.Context, device, keyFile string, readonly bool) (string, luks.Status, error)
	Release(ctx context.Context, device string, force bool) error
	ReleaseMapping(ctx context.Context, name string, force bool) error
	Mapping(device string) (string, bool)
}

type looper interface {
	Associate(ctx context.Context, source string) (string, error)
	Dissociate(ctx context.Context, device string) error
}

// Mounter orchestrates one mount or unmount operation.
type Mounter struct {
	cfg     config.Config
	priv    privilege.Elevator
	runner  spawn.Runner
	tables  *mnttab.Inspector
	policy  admission
	locks   locker
	crypt   decrypter
	loops   looper
	fs      afero.Fs
	resolve func(string) string
	log     *slog.Logger
}

// New wires a [Mounter] from its collaborators.
func New(cfg config.Config, priv privilege.Elevator, runner spawn.Runner,
	tables *mnttab.Inspector, pol *policy.Engine, locks *lockdir.Manager,
	crypt *luks.Adapter, loops *loopdev.Manager, log *slog.Logger,
) *Mounter {
	return &Mounter{
		cfg:     cfg,
		priv:    priv,
		runner:  runner,
		tables:  tables,
		policy:  pol,
		locks:   locks,
		crypt:   crypt,
		loops:   loops,
		fs:      afero.NewOsFs(),
		resolve: mnttab.Realpath,
		log:     log,
	}
}

// Request describes one mount operation.
type Request struct {
	// Device is the device node, disk image path, or fstab spec to mount.
	Device string
	// Label optionally names the mount point below the media root.
	Label string
	// Type is an explicit filesystem type; empty means autodetect.
	Type string
	// Opts shape the mount option string.
	Opts fstable.MountOpts
	// KeyFile decrypts LUKS devices without prompting.
	KeyFile string
	// Fsck runs a filesystem check before mounting.
	Fsck bool
}

// Mount performs the whole mount operation. Any partially set up state
// (loop association, decrypted mapping, created mount point) is torn down
// again before an error is returned.
func (m *Mounter) Mount(ctx context.Context, req Request) error {
	device := m.resolveMountArg(req.Device)

	delegated, err := m.delegateFstabMount(ctx, device, req.Label)
	if err != nil || delegated {
		return err
	}

	base, err := m.setupLoop(ctx, device)
	if err != nil {
		return err
	}

	mntpt, err := m.policy.MountpointFor(mountpointArg(req, base), req.Label != "")
	if err != nil {
		m.unwind(ctx, base, false, false, "")
		return err
	}

	m.locks.Clean(base.Path())

	dev, err := m.decrypt(ctx, base, req)
	if err != nil {
		m.unwind(ctx, base, false, false, "")
		return err
	}
	_, mapped := dev.(MappedDevice)
	_, isLoop := base.(LoopDevice)

	if err := m.policy.CheckMount(base.Path(), mntpt, isLoop); err != nil {
		m.unwind(ctx, base, mapped, false, "")
		return err
	}

	created, err := m.ensureMountpoint(mntpt)
	if err != nil {
		m.unwind(ctx, base, mapped, false, "")
		return err
	}

	releaseLock, err := m.locks.LockMountpoint(mntpt)
	if err != nil {
		m.unwind(ctx, base, mapped, created, mntpt)
		return exitcode.Wrap(lockCode(err), err)
	}

	err = m.fsck(ctx, dev, req)
	if err == nil {
		err = m.mountAttempts(ctx, dev.Path(), mntpt, req)
	}
	releaseLock()
	if err != nil {
		m.unwind(ctx, base, mapped, created, mntpt)
		return err
	}
	return nil
}

// UnmountRequest describes one unmount operation.
type UnmountRequest struct {
	// Target is a device node, mount point directory, or bare mount point
	// name below the media root.
	Target string
	// Lazy detaches lazily; the admission check then tolerates a device
	// node that already vanished.
	Lazy bool
	// LuksForce closes the decrypted mapping even if this tool did not
	// create it.
	LuksForce bool
}

// Unmount reverses a mount: resolves the argument back to a device, checks
// jurisdiction, unmounts, releases the decrypted mapping and removes the
// mount point if this tool created it.
func (m *Mounter) Unmount(ctx context.Context, req UnmountRequest) error {
	device := m.resolveUnmountArg(req.Target)

	delegated, err := m.delegateFstabUnmount(ctx, device)
	if err != nil || delegated {
		return err
	}

	if mapping, ok := m.crypt.Mapping(device); ok {
		device = mapping
	}

	entry, err := m.policy.CheckUnmount(device, req.Lazy)
	if err != nil {
		return err
	}

	releaseLock, err := m.locks.LockMountpoint(entry.Mountpoint)
	if err != nil {
		return exitcode.Wrap(lockCode(err), err)
	}

	args := []string{}
	if req.Lazy {
		args = append(args, "-l")
	}
	if lp, ok := m.loopSource(device); ok {
		m.log.Debug("Unmounting loop device", "device", device, "loop", lp)
		args = append(args, "-d")
	}
	args = append(args, entry.Mountpoint)

	status, err := m.runner.Run(ctx, spawn.Options{Root: true, FullRoot: true}, umountPath, args...)
	releaseLock()
	if err != nil {
		return exitcode.Wrap(exitcode.ExecMount, err)
	}
	if status != 0 {
		return exitcode.Errorf(exitcode.ExecMount, "unmounting %s failed with status %d", entry.Mountpoint, status)
	}

	if name, ok := strings.CutPrefix(device, "/dev/mapper/"); ok {
		if err := m.crypt.ReleaseMapping(ctx, name, req.LuksForce); err != nil {
			return exitcode.Wrap(exitcode.ExecMount, err)
		}
	}

	m.removeMountpoint(entry.Mountpoint)
	return nil
}

// LockDevice records pid as a holder of the device lock.
func (m *Mounter) LockDevice(device string, pid int) error {
	device = m.resolveMountArg(device)
	if err := m.policy.DeviceValid(device); err != nil {
		return err
	}
	return exitcode.Wrap(exitcode.Internal, m.locks.Lock(device, pid))
}

// UnlockDevice removes pid's hold on the device lock.
func (m *Mounter) UnlockDevice(device string, pid int) error {
	device = m.resolveMountArg(device)
	if err := m.policy.DeviceValid(device); err != nil {
		return err
	}
	return exitcode.Wrap(exitcode.Unlock, m.locks.Unlock(device, pid))
}

// ListRemovable writes the currently mounted removable devices to w, one
// line per device in mount(8) style.
func (m *Mounter) ListRemovable(w io.Writer) error {
	var entries []mnttab.Entry
	var err error
	for _, table := range []string{mnttab.MTab, mnttab.ProcMounts} {
		entries, err = m.tables.Entries(table)
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !m.policy.DeviceRemovable(m.resolve(e.Device)) {
			continue
		}
		fmt.Fprintf(w, "%s on %s type %s (%s)\n",
			e.Device, e.Mountpoint, e.Type, strings.Join(e.Options, ","))
	}
	return nil
}

// resolveMountArg canonicalizes the device argument. Paths to existing
// files are taken as is (disk images may be relative); anything else
// without a leading slash is looked up below /dev.
func (m *Mounter) resolveMountArg(arg string) string {
	if !filepath.IsAbs(arg) {
		if _, err := m.fs.Stat(arg); err != nil {
			arg = "/dev/" + arg
		}
	}
	return m.resolve(arg)
}

// resolveUnmountArg turns the argument into the device to unmount: mount
// point directories are mapped back through the live table, bare names are
// tried below the media root first and below /dev second.
func (m *Mounter) resolveUnmountArg(arg string) string {
	if !filepath.IsAbs(arg) {
		candidate := m.resolve(filepath.Join(m.cfg.MediaRoot, arg))
		if device, ok := m.mountpointDevice(candidate); ok {
			return device
		}
		return m.resolve("/dev/" + arg)
	}
	arg = m.resolve(arg)
	if device, ok := m.mountpointDevice(arg); ok {
		return device
	}
	return arg
}

func (m *Mounter) mountpointDevice(mntpt string) (string, bool) {
	for _, table := range []string{mnttab.MTab, mnttab.ProcMounts} {
		entry, err := m.tables.FindMountpoint(table, mntpt)
		if err != nil {
			continue
		}
		if entry != nil {
			return m.resolve(entry.Device), true
		}
	}
	return "", false
}

// delegateFstabMount hands devices managed by the static fstab to the plain
// mount program, with privileges dropped for good first: fstab is
// authoritative for them and applies its own user policy.
func (m *Mounter) delegateFstabMount(ctx context.Context, device, label string) (bool, error) {
	entry, err := m.tables.FindDevice(mnttab.Fstab, device)
	if err != nil {
		return false, err
	}
	if entry == nil {
		// mounting by fstab mount point is allowed too
		entry, err = m.tables.FindMountpoint(mnttab.Fstab, device)
		if err != nil || entry == nil {
			return false, err
		}
		device = entry.Mountpoint
	}
	if label != "" {
		m.log.Warn("Device is managed by /etc/fstab, the mount point label is ignored",
			"device", device, "label", label)
	}
	return true, m.delegate(ctx, mountPath, device)
}

func (m *Mounter) delegateFstabUnmount(ctx context.Context, device string) (bool, error) {
	entry, err := m.tables.FindDevice(mnttab.Fstab, device)
	if err != nil {
		return false, err
	}
	if entry == nil {
		entry, err = m.tables.FindMountpoint(mnttab.Fstab, device)
		if err != nil || entry == nil {
			return false, err
		}
	}
	target := device
	if strings.Contains(entry.Device, "=") {
		// LABEL= and UUID= specs are no argument for umount, use the
		// directory instead
		target = entry.Mountpoint
	}
	return true, m.delegate(ctx, umountPath, target)
}

func (m *Mounter) delegate(ctx context.Context, tool, arg string) error {
	m.log.Debug("Delegating to system tool", "tool", tool, "arg", arg)
	if err := m.priv.DropPermanently(); err != nil {
		return exitcode.Wrap(exitcode.Internal, err)
	}
	status, err := m.runner.Run(ctx, spawn.Options{}, tool, arg)
	if err != nil {
		return exitcode.Wrap(exitcode.ExecMount, err)
	}
	if status != 0 {
		return exitcode.Errorf(exitcode.ExecMount, "%s %s failed with status %d", tool, arg, status)
	}
	return nil
}

// setupLoop binds a regular-file argument to a loop device, when the
// configuration permits loop mounts at all.
func (m *Mounter) setupLoop(ctx context.Context, device string) (Device, error) {
	info, err := m.fs.Stat(device)
	if err != nil || !info.Mode().IsRegular() {
		return PlainDevice{path: device}, nil
	}
	if !m.cfg.AllowLoop {
		return nil, exitcode.Errorf(exitcode.Disallowed,
			"loop mounts are disabled by the system administrator")
	}
	loopPath, err := m.loops.Associate(ctx, device)
	if err != nil {
		return nil, err
	}
	return LoopDevice{path: loopPath, source: device}, nil
}

func (m *Mounter) decrypt(ctx context.Context, base Device, req Request) (Device, error) {
	readonly := req.Opts.Access == fstable.AccessReadOnly
	path, status, err := m.crypt.Decrypt(ctx, base.Path(), req.KeyFile, readonly)
	if err != nil {
		return nil, err
	}
	switch status {
	case luks.NotEncrypted:
		return base, nil
	case luks.Opened:
		return MappedDevice{path: path, underlying: base}, nil
	case luks.AlreadyMapped:
		return nil, exitcode.Errorf(exitcode.Policy,
			"device %s is already decrypted by another session", base.Path())
	default:
		return nil, exitcode.Errorf(exitcode.Policy, "could not decrypt %s", base.Path())
	}
}

// mountpointArg picks what the mount point name derives from: the label if
// given, the image path for loop mounts, the device otherwise.
func mountpointArg(req Request, base Device) string {
	if req.Label != "" {
		return req.Label
	}
	if lp, ok := base.(LoopDevice); ok {
		return lp.Source()
	}
	return base.Path()
}

// ensureMountpoint creates the mount point directory if it does not exist
// yet, marking it with the stamp file so only tool-created directories are
// ever removed again.
func (m *Mounter) ensureMountpoint(mntpt string) (bool, error) {
	if _, err := m.fs.Stat(mntpt); err == nil {
		return false, nil
	}

	release, err := m.priv.Raise()
	if err != nil {
		return false, exitcode.Wrap(exitcode.Internal, err)
	}
	defer release()

	if err := m.fs.MkdirAll(mntpt, 0o755); err != nil {
		return false, exitcode.Errorf(exitcode.Mountpoint, "creating mount point %s: %v", mntpt, err)
	}
	f, err := m.fs.OpenFile(filepath.Join(mntpt, policy.StampFile), os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		// an unstamped directory could never be removed again, take it
		// back out right away
		if rmErr := m.fs.Remove(mntpt); rmErr != nil {
			m.log.Warn("Removing mount point after failed stamp", "path", mntpt, "error", rmErr)
		}
		return false, exitcode.Errorf(exitcode.Mountpoint, "stamping mount point %s: %v", mntpt, err)
	}
	return true, f.Close()
}

// removeMountpoint removes a tool-created mount point. Directories without
// the stamp file were made by the user and stay.
func (m *Mounter) removeMountpoint(mntpt string) {
	stamp := filepath.Join(mntpt, policy.StampFile)
	if _, err := m.fs.Stat(stamp); err != nil {
		return
	}

	release, err := m.priv.Raise()
	if err != nil {
		return
	}
	defer release()

	if err := m.fs.Remove(stamp); err != nil {
		m.log.Warn("Removing mount point stamp", "path", stamp, "error", err)
		return
	}
	if err := m.fs.Remove(mntpt); err != nil {
		m.log.Warn("Removing mount point", "path", mntpt, "error", err)
	}
}

func (m *Mounter) fsck(ctx context.Context, dev Device, req Request) error {
	if !req.Fsck {
		return nil
	}
	if !m.cfg.AllowFsck {
		return exitcode.Errorf(exitcode.Disallowed,
			"filesystem checks are disabled by the system administrator")
	}
	status, err := m.runner.Run(ctx, spawn.Options{Root: true}, fsckPath, "-C1", dev.Path())
	if err != nil {
		return exitcode.Wrap(exitcode.ExecMount, err)
	}
	// 1 means errors were corrected
	if status > 1 {
		return exitcode.Errorf(exitcode.ExecMount, "fsck %s failed with status %d", dev.Path(), status)
	}
	return nil
}

// mountAttempts runs the external mount program: once for an explicit
// filesystem type, otherwise iterating the supported table in order. Error
// output is suppressed on all but the last candidate so the user only sees
// the final, relevant failure.
func (m *Mounter) mountAttempts(ctx context.Context, device, mntpt string, req Request) error {
	opts := req.Opts

	if req.Type != "" {
		fs, ok := fstable.Lookup(req.Type)
		if !ok {
			return exitcode.Errorf(exitcode.Args, "unknown filesystem type %q", req.Type)
		}
		// an explicit type gets exactly one attempt, no charset fallback
		optstr, err := fs.OptionString(opts)
		if err != nil {
			return exitcode.Wrap(exitcode.Args, err)
		}
		status, err := m.runMount(ctx, fs.Name, optstr, device, mntpt, false)
		if err != nil {
			return err
		}
		if status != 0 {
			return exitcode.Errorf(exitcode.ExecMount,
				"mounting %s to %s failed with status %d", device, mntpt, status)
		}
		return nil
	}

	var candidates []fstable.FS
	for _, fs := range fstable.Supported() {
		if !fs.SkipAutodetect {
			candidates = append(candidates, fs)
		}
	}
	for i, fs := range candidates {
		last := i == len(candidates)-1
		status, err := m.mountOnce(ctx, fs, device, mntpt, opts, !last)
		if err != nil {
			return err
		}
		if status == 0 {
			m.log.Debug("Mounted with autodetected filesystem", "device", device, "type", fs.Name)
			return nil
		}
	}
	return exitcode.Errorf(exitcode.ExecMount, "could not mount %s, no filesystem type succeeded", device)
}

// mountOnce attempts one autodetection candidate, retrying once without any
// charset option when the first attempt used one; some driver versions
// reject particular charset combinations.
func (m *Mounter) mountOnce(ctx context.Context, fs fstable.FS, device, mntpt string,
	opts fstable.MountOpts, suppressStderr bool,
) (int, error) {
	optstr, err := fs.OptionString(opts)
	if err != nil {
		return -1, exitcode.Wrap(exitcode.Args, err)
	}
	status, err := m.runMount(ctx, fs.Name, optstr, device, mntpt, suppressStderr)
	if err != nil || status == 0 {
		return status, err
	}

	bare := fs
	bare.IocharsetFormat = ""
	bareOpts := opts
	bareOpts.Iocharset = ""
	bareOpts.UTF8 = false
	bareStr, err := bare.OptionString(bareOpts)
	if err != nil || bareStr == optstr {
		return status, nil
	}
	m.log.Debug("Retrying mount without charset options", "device", device, "type", fs.Name)
	return m.runMount(ctx, fs.Name, bareStr, device, mntpt, suppressStderr)
}

func (m *Mounter) runMount(ctx context.Context, fstype, optstr, device, mntpt string, suppressStderr bool) (int, error) {
	status, err := m.runner.Run(ctx, spawn.Options{
		Root:           true,
		FullRoot:       true,
		SuppressStderr: suppressStderr,
	}, mountPath, "-t", fstype, "-o", optstr, device, mntpt)
	if err != nil {
		return -1, exitcode.Wrap(exitcode.ExecMount, err)
	}
	return status, nil
}

// unwind releases everything this invocation set up, in reverse order of
// acquisition.
func (m *Mounter) unwind(ctx context.Context, base Device, mapped, created bool, mntpt string) {
	if mapped {
		if err := m.crypt.Release(ctx, base.Path(), false); err != nil {
			m.log.Warn("Releasing decrypted mapping during unwind", "device", base.Path(), "error", err)
		}
	}
	if lp, ok := base.(LoopDevice); ok {
		if err := m.loops.Dissociate(ctx, lp.Path()); err != nil {
			m.log.Warn("Detaching loop device during unwind", "device", lp.Path(), "error", err)
		}
	}
	if created {
		m.removeMountpoint(mntpt)
	}
}

func lockCode(err error) int {
	if errors.Is(err, lockdir.ErrAlreadyLocked) {
		return exitcode.Locked
	}
	return exitcode.Internal
}

// loopSource reports whether the device is one of the configured loop
// devices and, if losetup state still knows it, its backing file.
func (m *Mounter) loopSource(device string) (string, bool) {
	if !slices.Contains(m.cfg.LoopDevices, device) {
		return "", false
	}
	backing, err := afero.ReadFile(m.fs,
		filepath.Join("/sys/block", filepath.Base(device), "loop/backing_file"))
	if err != nil {
		return "", true
	}
	return strings.TrimSpace(string(backing)), true
}
