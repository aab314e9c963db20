package mounter

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MisterDA/pmount/internal/config"
	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/fstable"
	"github.com/MisterDA/pmount/internal/lockdir"
	"github.com/MisterDA/pmount/internal/luks"
	"github.com/MisterDA/pmount/internal/mnttab"
	"github.com/MisterDA/pmount/internal/policy"
	"github.com/MisterDA/pmount/internal/spawn"
)

type call struct {
	path string
	args []string
	opts spawn.Options
}

type stubRunner struct {
	respond func(path string, args []string) (int, error)
	calls   []call
}

func (r *stubRunner) Run(_ context.Context, opts spawn.Options, path string, args ...string) (int, error) {
	r.calls = append(r.calls, call{path: path, args: args, opts: opts})
	if r.respond == nil {
		return 0, nil
	}
	return r.respond(path, args)
}

func (r *stubRunner) mountTypes() []string {
	var types []string
	for _, c := range r.calls {
		if c.path == mountPath && len(c.args) > 1 && c.args[0] == "-t" {
			types = append(types, c.args[1])
		}
	}
	return types
}

type stubElevator struct {
	droppedPermanently bool
}

func (s *stubElevator) Raise() (func(), error) { return func() {}, nil }

func (s *stubElevator) DropPermanently() error {
	s.droppedPermanently = true
	return nil
}

func (s *stubElevator) IsSetuidRoot() bool { return true }

type stubPolicy struct {
	validErr      error
	removable     map[string]bool
	checkMountErr error
	mountChecks   []string
	unmountEntry  *mnttab.Entry
	unmountErr    error
	unmountDevice string
}

func (s *stubPolicy) DeviceValid(string) error { return s.validErr }

func (s *stubPolicy) DeviceRemovable(device string) bool { return s.removable[device] }

func (s *stubPolicy) CheckMount(device, _ string, _ bool) error {
	s.mountChecks = append(s.mountChecks, device)
	return s.checkMountErr
}

func (s *stubPolicy) CheckUnmount(device string, _ bool) (*mnttab.Entry, error) {
	s.unmountDevice = device
	return s.unmountEntry, s.unmountErr
}

func (s *stubPolicy) MountpointFor(arg string, _ bool) (string, error) {
	name := strings.TrimPrefix(arg, "/dev/")
	return filepath.Join("/media", strings.ReplaceAll(strings.Trim(name, "/"), "/", "_")), nil
}

type stubLocker struct {
	lockErr  error
	released bool
	cleaned  []string
}

func (s *stubLocker) Lock(string, int) error { return nil }

func (s *stubLocker) Unlock(string, int) error { return nil }

func (s *stubLocker) Clean(device string) { s.cleaned = append(s.cleaned, device) }

func (s *stubLocker) LockMountpoint(string) (func(), error) {
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	return func() { s.released = true }, nil
}

type stubCrypt struct {
	status   luks.Status
	mapped   string
	mappings map[string]string
	released []string
	closed   []string
}

func (s *stubCrypt) Decrypt(_ context.Context, device, _ string, _ bool) (string, luks.Status, error) {
	switch s.status {
	case luks.Opened:
		return s.mapped, luks.Opened, nil
	case luks.NotEncrypted:
		return device, luks.NotEncrypted, nil
	default:
		return "", s.status, nil
	}
}

func (s *stubCrypt) Release(_ context.Context, device string, _ bool) error {
	s.released = append(s.released, device)
	return nil
}

func (s *stubCrypt) ReleaseMapping(_ context.Context, name string, _ bool) error {
	s.closed = append(s.closed, name)
	return nil
}

func (s *stubCrypt) Mapping(device string) (string, bool) {
	mapped, ok := s.mappings[device]
	return mapped, ok
}

type stubLoops struct {
	device       string
	dissociated  []string
	associateErr error
}

func (s *stubLoops) Associate(context.Context, string) (string, error) {
	return s.device, s.associateErr
}

func (s *stubLoops) Dissociate(_ context.Context, device string) error {
	s.dissociated = append(s.dissociated, device)
	return nil
}

// stampFailFs refuses to create mount point stamp files.
type stampFailFs struct{ afero.Fs }

func (f stampFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if filepath.Base(name) == policy.StampFile {
		return nil, assert.AnError
	}
	return f.Fs.OpenFile(name, flag, perm)
}

type fixture struct {
	mounter *Mounter
	fs      afero.Fs
	runner  *stubRunner
	priv    *stubElevator
	policy  *stubPolicy
	locks   *stubLocker
	crypt   *stubCrypt
	loops   *stubLoops
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg config.Config, fstab, mtab string) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, mnttab.Fstab, []byte(fstab), 0o644))
	require.NoError(t, afero.WriteFile(fs, mnttab.MTab, []byte(mtab), 0o644))

	resolve := func(path string) string { return path }
	f := &fixture{
		fs:     fs,
		runner: &stubRunner{},
		priv:   &stubElevator{},
		policy: &stubPolicy{},
		locks:  &stubLocker{},
		crypt:  &stubCrypt{status: luks.NotEncrypted},
		loops:  &stubLoops{device: "/dev/loop0"},
		logs:   &bytes.Buffer{},
	}
	f.mounter = &Mounter{
		cfg:     cfg,
		priv:    f.priv,
		runner:  f.runner,
		tables:  mnttab.New(fs, resolve),
		policy:  f.policy,
		locks:   f.locks,
		crypt:   f.crypt,
		loops:   f.loops,
		fs:      fs,
		resolve: resolve,
		log:     slog.New(slog.NewTextHandler(f.logs, nil)),
	}
	return f
}

func TestMountAutodetect(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.runner.respond = func(path string, args []string) (int, error) {
		if path == mountPath && args[1] == "vfat" {
			return 0, nil
		}
		return 32, nil
	}

	require.NoError(t, f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1"}))

	// candidates are probed in table order until one succeeds
	assert.Equal(t, []string{"udf", "iso9660", "vfat"}, f.runner.mountTypes())
	for _, c := range f.runner.calls {
		if c.path == mountPath {
			assert.True(t, c.opts.Root)
			assert.True(t, c.opts.FullRoot)
			assert.True(t, c.opts.SuppressStderr)
		}
	}
	assert.True(t, f.locks.released)

	// the created mount point survives a successful mount
	exists, err := afero.DirExists(f.fs, "/media/sdb1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMountExplicitType(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")

	require.NoError(t, f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Type: "ext4"}))
	assert.Equal(t, []string{"ext4"}, f.runner.mountTypes())
}

func TestMountExplicitTypeSingleAttempt(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.runner.respond = func(string, []string) (int, error) { return 32, nil }

	err := f.mounter.Mount(context.Background(), Request{
		Device: "/dev/sdb1",
		Type:   "vfat",
		Opts:   fstable.MountOpts{Iocharset: "iso8859-15"},
	})
	require.Error(t, err)
	assert.Equal(t, exitcode.ExecMount, exitcode.FromError(err))

	// no second try without the charset option for an explicit type
	assert.Equal(t, []string{"vfat"}, f.runner.mountTypes())
}

func TestMountUnknownTypeRejected(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")

	err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Type: "squashfs"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Args, exitcode.FromError(err))
	assert.Empty(t, f.runner.mountTypes())
}

func TestMountPolicyDenialNeverInvokesMount(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.policy.checkMountErr = exitcode.Errorf(exitcode.Policy, "device /dev/sda1 is not removable and not whitelisted")

	err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sda1"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Policy, exitcode.FromError(err))
	assert.Empty(t, f.runner.calls)
}

func TestMountFailureUnwind(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.crypt.status = luks.Opened
	f.crypt.mapped = "/dev/mapper/dev_sdb1"
	f.runner.respond = func(string, []string) (int, error) { return 32, nil }

	err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1"})
	require.Error(t, err)
	assert.Equal(t, exitcode.ExecMount, exitcode.FromError(err))

	assert.Equal(t, []string{"/dev/sdb1"}, f.crypt.released)
	assert.True(t, f.locks.released)
	exists, err := afero.DirExists(f.fs, "/media/sdb1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMountLockedUnwindsLoopAndMapping(t *testing.T) {
	cfg := config.Default()
	cfg.AllowLoop = true
	f := newFixture(t, cfg, "", "")
	require.NoError(t, afero.WriteFile(f.fs, "/home/user/disk.img", []byte("image"), 0o600))
	f.crypt.status = luks.Opened
	f.crypt.mapped = "/dev/mapper/dev_loop0"
	f.locks.lockErr = lockdir.ErrAlreadyLocked

	err := f.mounter.Mount(context.Background(), Request{Device: "/home/user/disk.img"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Locked, exitcode.FromError(err))

	assert.Equal(t, []string{"/dev/loop0"}, f.crypt.released)
	assert.Equal(t, []string{"/dev/loop0"}, f.loops.dissociated)
	exists, err := afero.DirExists(f.fs, "/media/home_user_disk.img")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMountLoopDisallowed(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	require.NoError(t, afero.WriteFile(f.fs, "/home/user/disk.img", []byte("image"), 0o600))

	err := f.mounter.Mount(context.Background(), Request{Device: "/home/user/disk.img"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Disallowed, exitcode.FromError(err))
	assert.Empty(t, f.runner.calls)
}

func TestMountAlreadyMappedIsDenied(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.crypt.status = luks.AlreadyMapped

	err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Policy, exitcode.FromError(err))
	assert.Empty(t, f.runner.calls)
}

func TestMountFsck(t *testing.T) {
	t.Run("disallowed by configuration", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", "")

		err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Fsck: true})
		require.Error(t, err)
		assert.Equal(t, exitcode.Disallowed, exitcode.FromError(err))
	})

	t.Run("corrected errors do not abort", func(t *testing.T) {
		cfg := config.Default()
		cfg.AllowFsck = true
		f := newFixture(t, cfg, "", "")
		f.runner.respond = func(path string, _ []string) (int, error) {
			if path == fsckPath {
				return 1, nil
			}
			return 0, nil
		}

		require.NoError(t, f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Fsck: true}))
		assert.NotEmpty(t, f.runner.mountTypes())
	})

	t.Run("hard fsck failure aborts before mounting", func(t *testing.T) {
		cfg := config.Default()
		cfg.AllowFsck = true
		f := newFixture(t, cfg, "", "")
		f.runner.respond = func(path string, _ []string) (int, error) {
			if path == fsckPath {
				return 4, nil
			}
			return 0, nil
		}

		err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Fsck: true})
		require.Error(t, err)
		assert.Equal(t, exitcode.ExecMount, exitcode.FromError(err))
		assert.Empty(t, f.runner.mountTypes())
	})
}

func TestMountFstabDelegation(t *testing.T) {
	fstab := "/dev/sdb1 /mnt/backup ext4 user,noauto 0 0\n"
	f := newFixture(t, config.Default(), fstab, "")

	require.NoError(t, f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1"}))

	assert.True(t, f.priv.droppedPermanently)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, mountPath, f.runner.calls[0].path)
	assert.Equal(t, []string{"/dev/sdb1"}, f.runner.calls[0].args)
	assert.False(t, f.runner.calls[0].opts.Root)
	assert.Empty(t, f.policy.mountChecks)
	assert.Empty(t, f.logs.String())
}

func TestMountFstabDelegationWarnsAboutLabel(t *testing.T) {
	fstab := "/dev/sdb1 /mnt/backup ext4 user,noauto 0 0\n"
	f := newFixture(t, config.Default(), fstab, "")

	require.NoError(t, f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1", Label: "backup"}))

	require.Len(t, f.runner.calls, 1)
	assert.Contains(t, f.logs.String(), "label is ignored")
}

func TestMountStampFailureRemovesMountpoint(t *testing.T) {
	f := newFixture(t, config.Default(), "", "")
	f.mounter.fs = stampFailFs{Fs: f.fs}

	err := f.mounter.Mount(context.Background(), Request{Device: "/dev/sdb1"})
	require.Error(t, err)
	assert.Equal(t, exitcode.Mountpoint, exitcode.FromError(err))
	assert.Empty(t, f.runner.calls)

	// the root-owned directory must not leak when it cannot be stamped
	exists, err := afero.DirExists(f.fs, "/media/sdb1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUnmount(t *testing.T) {
	mtab := "/dev/sdb1 /media/usb vfat rw,uid=1000 0 0\n"
	entry := &mnttab.Entry{Device: "/dev/sdb1", Mountpoint: "/media/usb", Type: "vfat"}

	t.Run("plain unmount removes the stamped mount point", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", mtab)
		f.policy.unmountEntry = entry
		require.NoError(t, f.fs.MkdirAll("/media/usb", 0o755))
		require.NoError(t, afero.WriteFile(f.fs, "/media/usb/"+policy.StampFile, nil, 0o600))

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/media/usb"}))

		assert.Equal(t, "/dev/sdb1", f.policy.unmountDevice)
		require.Len(t, f.runner.calls, 1)
		assert.Equal(t, umountPath, f.runner.calls[0].path)
		assert.Equal(t, []string{"/media/usb"}, f.runner.calls[0].args)
		exists, err := afero.DirExists(f.fs, "/media/usb")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("bare name resolves below the media root", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", mtab)
		f.policy.unmountEntry = entry

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "usb"}))
		assert.Equal(t, "/dev/sdb1", f.policy.unmountDevice)
	})

	t.Run("bare device name falls back to /dev", func(t *testing.T) {
		labelMtab := "/dev/sdb1 /media/MYLABEL vfat rw,uid=1000 0 0\n"
		f := newFixture(t, config.Default(), "", labelMtab)
		f.policy.unmountEntry = &mnttab.Entry{Device: "/dev/sdb1", Mountpoint: "/media/MYLABEL"}

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "sdb1"}))

		assert.Equal(t, "/dev/sdb1", f.policy.unmountDevice)
		assert.Equal(t, []string{"/media/MYLABEL"}, f.runner.calls[0].args)
	})

	t.Run("lazy adds the flag", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", mtab)
		f.policy.unmountEntry = entry

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/dev/sdb1", Lazy: true}))
		assert.Equal(t, []string{"-l", "/media/usb"}, f.runner.calls[0].args)
	})

	t.Run("decrypted mapping is substituted and released", func(t *testing.T) {
		mapperMtab := "/dev/mapper/dev_sdb1 /media/sdb1 ext4 rw,uid=1000 0 0\n"
		f := newFixture(t, config.Default(), "", mapperMtab)
		f.crypt.mappings = map[string]string{"/dev/sdb1": "/dev/mapper/dev_sdb1"}
		f.policy.unmountEntry = &mnttab.Entry{Device: "/dev/mapper/dev_sdb1", Mountpoint: "/media/sdb1"}

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/dev/sdb1"}))

		assert.Equal(t, "/dev/mapper/dev_sdb1", f.policy.unmountDevice)
		assert.Equal(t, []string{"dev_sdb1"}, f.crypt.closed)
	})

	t.Run("admission denial stops before umount", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", mtab)
		f.policy.unmountErr = exitcode.Errorf(exitcode.Policy, "device /dev/sdb1 was mounted by uid 1001, not by you")

		err := f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/dev/sdb1"})
		require.Error(t, err)
		assert.Equal(t, exitcode.Policy, exitcode.FromError(err))
		assert.Empty(t, f.runner.calls)
	})

	t.Run("umount failure keeps the mount point", func(t *testing.T) {
		f := newFixture(t, config.Default(), "", mtab)
		f.policy.unmountEntry = entry
		f.runner.respond = func(string, []string) (int, error) { return 32, nil }
		require.NoError(t, f.fs.MkdirAll("/media/usb", 0o755))
		require.NoError(t, afero.WriteFile(f.fs, "/media/usb/"+policy.StampFile, nil, 0o600))

		err := f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/dev/sdb1"})
		require.Error(t, err)
		assert.Equal(t, exitcode.ExecMount, exitcode.FromError(err))
		exists, err := afero.DirExists(f.fs, "/media/usb")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("fstab entries are delegated to plain umount", func(t *testing.T) {
		fstab := "LABEL=backup /mnt/backup ext4 user,noauto 0 0\n"
		f := newFixture(t, config.Default(), fstab, "")

		require.NoError(t, f.mounter.Unmount(context.Background(), UnmountRequest{Target: "/mnt/backup"}))

		assert.True(t, f.priv.droppedPermanently)
		require.Len(t, f.runner.calls, 1)
		assert.Equal(t, umountPath, f.runner.calls[0].path)
		assert.Equal(t, []string{"/mnt/backup"}, f.runner.calls[0].args)
	})
}

func TestListRemovable(t *testing.T) {
	mtab := "/dev/sdb1 /media/usb vfat rw,uid=1000 0 0\n" +
		"/dev/sda2 / ext4 rw 0 0\n"
	f := newFixture(t, config.Default(), "", mtab)
	f.policy.removable = map[string]bool{"/dev/sdb1": true}

	var out strings.Builder
	require.NoError(t, f.mounter.ListRemovable(&out))
	assert.Equal(t, "/dev/sdb1 on /media/usb type vfat (rw,uid=1000)\n", out.String())
}
