// Package luks opens and closes LUKS encrypted devices through cryptsetup,
// tracking which mappings this tool created so that foreign sessions are
// never torn down.
package luks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/lockdir"
	"github.com/MisterDA/pmount/internal/privilege"
	"github.com/MisterDA/pmount/internal/spawn"
)

const cryptsetupPath = "/sbin/cryptsetup"

// Status is the outcome of a decryption attempt.
type Status int

const (
	// NotEncrypted means the device carries no LUKS metadata and is used as
	// is.
	NotEncrypted Status = iota
	// Opened means the device was decrypted into a fresh mapping.
	Opened
	// AlreadyMapped means the deterministic mapping path already exists,
	// probably from another session; it is never clobbered.
	AlreadyMapped
	// Failed means cryptsetup rejected the passphrase or key file.
	Failed
)

// Adapter drives cryptsetup.
type Adapter struct {
	runner  spawn.Runner
	priv    privilege.Elevator
	fs      afero.Fs
	lockDir string
	log     *slog.Logger
}

// New creates an [Adapter] recording mapping ownership in lockDir.
func New(runner spawn.Runner, priv privilege.Elevator, lockDir string, log *slog.Logger) *Adapter {
	return &Adapter{
		runner:  runner,
		priv:    priv,
		fs:      afero.NewOsFs(),
		lockDir: lockDir,
		log:     log,
	}
}

// MappingPath returns the deterministic device-mapper path a device decrypts
// to. Deriving it from the device path alone lets unmount find the mapping
// without any state.
func MappingPath(device string) string {
	return "/dev/mapper/" + lockdir.Flatten(device)
}

// Decrypt probes the device for LUKS metadata and opens it if present. The
// returned path is the device to mount: the mapping on success, the device
// itself when it is not encrypted. Without a key file the passphrase is
// prompted for interactively.
func (a *Adapter) Decrypt(ctx context.Context, device, keyFile string, readonly bool) (string, Status, error) {
	status, err := a.runner.Run(ctx, spawn.Options{
		Root:           true,
		SuppressStdout: true,
		SuppressStderr: true,
	}, cryptsetupPath, "isLuks", device)
	if err != nil {
		// cryptsetup may simply not be installed; the device is then treated
		// as unencrypted, like any other probe miss.
		a.log.Debug("Could not run cryptsetup", "error", err)
		return device, NotEncrypted, nil
	}
	if status != 0 {
		return device, NotEncrypted, nil
	}

	mapped := MappingPath(device)
	if _, err := a.fs.Stat(mapped); err == nil {
		return "", AlreadyMapped, nil
	}

	args := []string{"luksOpen"}
	opts := spawn.Options{Root: true, FullRoot: true, Interactive: true}
	if keyFile != "" {
		args = append(args, "--key-file", keyFile)
		opts.Interactive = false
	}
	if readonly {
		args = append(args, "--readonly")
	}
	args = append(args, device, lockdir.Flatten(device))

	status, err = a.runner.Run(ctx, opts, cryptsetupPath, args...)
	if err != nil {
		return "", Failed, exitcode.Wrap(exitcode.Internal, err)
	}
	switch status {
	case 0:
		if err := a.writeLockfile(device); err != nil {
			a.log.Warn("Could not record LUKS mapping ownership", "device", device, "error", err)
		}
		return mapped, Opened, nil
	case 1:
		return "", Failed, nil
	default:
		return "", Failed, exitcode.Errorf(exitcode.Internal,
			"cryptsetup luksOpen %s failed with status %d", device, status)
	}
}

// Release closes the device's mapping. Unless force is set, only mappings
// this tool opened (per the ownership lockfile) are closed; a missing
// lockfile means the mapping was not ours and is left alone.
func (a *Adapter) Release(ctx context.Context, device string, force bool) error {
	return a.ReleaseMapping(ctx, lockdir.Flatten(device), force)
}

// ReleaseMapping is [Adapter.Release] by mapping name, for callers that
// found the device-mapper path in the mount table and no longer know the
// underlying device. The ownership lockfile carries the same name as the
// mapping.
func (a *Adapter) ReleaseMapping(ctx context.Context, name string, force bool) error {
	if _, err := a.fs.Stat("/dev/mapper/" + name); err != nil {
		return nil
	}
	if !force && !a.ownsMapping(name) {
		a.log.Debug("Leaving foreign LUKS mapping alone", "mapping", name)
		return nil
	}

	status, err := a.runner.Run(ctx, spawn.Options{Root: true, FullRoot: true},
		cryptsetupPath, "luksClose", name)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("cryptsetup luksClose %s failed with status %d", name, status)
	}
	return a.removeLockfile(name)
}

// Mapping returns the device's mapping path if it currently exists.
func (a *Adapter) Mapping(device string) (string, bool) {
	mapped := MappingPath(device)
	_, err := a.fs.Stat(mapped)
	return mapped, err == nil
}

func (a *Adapter) ownsMapping(name string) bool {
	_, err := a.fs.Stat(filepath.Join(a.lockDir, name))
	return err == nil
}

func (a *Adapter) writeLockfile(device string) error {
	release, err := a.priv.Raise()
	if err != nil {
		return err
	}
	defer release()

	if err := a.fs.MkdirAll(a.lockDir, 0o755); err != nil {
		return fmt.Errorf("creating LUKS lock directory: %w", err)
	}
	f, err := a.fs.OpenFile(a.lockfilePath(device), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating LUKS lock file: %w", err)
	}
	return f.Close()
}

func (a *Adapter) removeLockfile(name string) error {
	release, err := a.priv.Raise()
	if err != nil {
		return err
	}
	defer release()

	if err := a.fs.Remove(filepath.Join(a.lockDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing LUKS lock file: %w", err)
	}
	return nil
}

func (a *Adapter) lockfilePath(device string) string {
	return filepath.Join(a.lockDir, lockdir.Flatten(device))
}
