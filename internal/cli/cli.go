// Package cli defines the pmount and pumount commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MisterDA/pmount/internal/config"
	"github.com/MisterDA/pmount/internal/exitcode"
	"github.com/MisterDA/pmount/internal/fstable"
	"github.com/MisterDA/pmount/internal/lockdir"
	"github.com/MisterDA/pmount/internal/logging"
	"github.com/MisterDA/pmount/internal/loopdev"
	"github.com/MisterDA/pmount/internal/luks"
	"github.com/MisterDA/pmount/internal/mnttab"
	"github.com/MisterDA/pmount/internal/mounter"
	"github.com/MisterDA/pmount/internal/policy"
	"github.com/MisterDA/pmount/internal/privilege"
	"github.com/MisterDA/pmount/internal/spawn"
	"github.com/MisterDA/pmount/internal/sysfs"
)

var (
	logLevel     string
	debug        bool
	debugLogFile string

	readOnly   bool
	readWrite  bool
	sync       bool
	noatime    bool
	exec       bool
	fsType     string
	charset    string
	umask      string
	fmask      string
	dmask      string
	utc        bool
	selinuxCtx bool
	fsck       bool
	keyFile    string
	lockDev    bool
	unlockDev  bool

	lazy        bool
	confirmLazy bool
	luksForce   bool
)

// NewPmount returns the root command of pmount.
func NewPmount() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pmount [flags] <device> [label]",
		Short: "Mount removable devices without root privileges, within the limits of the system policy.",
		Long: "pmount mounts the given device below the media root, after checking that it is " +
			"removable or explicitly allowed by the administrator. " +
			"Without arguments it lists the currently mounted removable devices.",
		Args:         cobra.RangeArgs(0, 2),
		RunE:         runPmount,
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&logLevel, logging.Flag, logging.DefaultFlagValue, logging.FlagInfo)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	cmd.Flags().StringVar(&debugLogFile, "debug-log", "", "additionally write a JSON debug trace to this file")

	cmd.Flags().BoolVarP(&readOnly, "read-only", "r", false, "force the device to be mounted read-only")
	cmd.Flags().BoolVarP(&readWrite, "read-write", "w", false, "force the device to be mounted read-write")
	cmd.Flags().BoolVarP(&sync, "sync", "s", false, "mount synchronously (no caching, safe to unplug without unmounting, wears out flash media)")
	cmd.Flags().BoolVarP(&noatime, "noatime", "A", false, "do not update file access times")
	cmd.Flags().BoolVarP(&exec, "exec", "e", false, "allow execution of files on the device")
	cmd.Flags().StringVarP(&fsType, "type", "t", "", "filesystem type; autodetected if not given")
	cmd.Flags().StringVarP(&charset, "charset", "c", "", "character set for file names; defaults to the locale's")
	cmd.Flags().StringVarP(&umask, "umask", "u", "", "permission mask for filesystems that support one, e.g. 007")
	cmd.Flags().StringVar(&fmask, "fmask", "", "file permission mask; defaults to the umask without execute bits")
	cmd.Flags().StringVar(&dmask, "dmask", "", "directory permission mask; defaults to the umask")
	cmd.Flags().BoolVar(&utc, "utc", false, "interpret on-disk timestamps as UTC (vfat)")
	cmd.Flags().BoolVar(&selinuxCtx, "selinux-context", false, "mount with the removable-media SELinux context")
	cmd.Flags().BoolVarP(&fsck, "fsck", "F", false, "run fsck before mounting; must be enabled in the system configuration")
	cmd.Flags().StringVarP(&keyFile, "passphrase", "p", "", "read the LUKS passphrase from this file instead of prompting")

	cmd.Flags().BoolVar(&lockDev, "lock", false, "lock the device for the given pid instead of mounting: pmount --lock <device> <pid>")
	cmd.Flags().BoolVar(&unlockDev, "unlock", false, "remove the lock of the given pid: pmount --unlock <device> <pid>")
	cmd.MarkFlagsMutuallyExclusive("lock", "unlock")
	cmd.MarkFlagsMutuallyExclusive("read-only", "read-write")

	return cmd
}

// NewPumount returns the root command of pumount.
func NewPumount() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pumount [flags] <device|directory|name>",
		Short: "Unmount removable devices mounted with pmount.",
		Long: "pumount unmounts the given device or mount point, if it lies below the media " +
			"root and was mounted by the calling user.",
		Args:         cobra.ExactArgs(1),
		RunE:         runPumount,
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&logLevel, logging.Flag, logging.DefaultFlagValue, logging.FlagInfo)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	cmd.Flags().StringVar(&debugLogFile, "debug-log", "", "additionally write a JSON debug trace to this file")
	cmd.Flags().BoolVarP(&lazy, "lazy", "l", false, "detach lazily; requires --yes-I-really-want-lazy-unmount")
	cmd.Flags().BoolVar(&confirmLazy, "yes-I-really-want-lazy-unmount", false, "confirm a lazy unmount; data still in flight is silently lost")
	cmd.Flags().BoolVar(&luksForce, "luks-force", false, "close the decrypted mapping even if this tool did not create it")

	return cmd
}

// Execute runs cmd and returns the process exit code. Errors without an
// explicit code come from flag or argument parsing.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitcode.Error
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return exitcode.Args
	}
	return exitcode.OK
}

func runPmount(cmd *cobra.Command, args []string) error {
	log := newLogger()
	m, err := buildMounter(log)
	if err != nil {
		return err
	}

	if lockDev || unlockDev {
		device, pid, err := lockArgs(args)
		if err != nil {
			return err
		}
		if lockDev {
			return m.LockDevice(device, pid)
		}
		return m.UnlockDevice(device, pid)
	}

	if len(args) == 0 {
		return exitcode.Wrap(exitcode.Internal, m.ListRemovable(os.Stdout))
	}

	req := mounter.Request{
		Device:  args[0],
		Type:    fsType,
		KeyFile: keyFile,
		Fsck:    fsck,
	}
	if len(args) == 2 {
		req.Label = args[1]
	}
	req.Opts, err = mountOpts()
	if err != nil {
		return err
	}
	return m.Mount(cmd.Context(), req)
}

func runPumount(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if lazy && !confirmLazy {
		return exitcode.Errorf(exitcode.Args,
			"lazy unmount can lose data still being written; repeat with --yes-I-really-want-lazy-unmount if you mean it")
	}

	m, err := buildMounter(log)
	if err != nil {
		return err
	}
	return m.Unmount(cmd.Context(), mounter.UnmountRequest{
		Target:    args[0],
		Lazy:      lazy,
		LuksForce: luksForce,
	})
}

// buildMounter wires the orchestrator and all its collaborators for this
// invocation.
func buildMounter(log *slog.Logger) (*mounter.Mounter, error) {
	priv := privilege.System{}
	if !priv.IsSetuidRoot() {
		return nil, exitcode.Errorf(exitcode.Internal,
			"this program needs to be installed setuid root to function properly")
	}

	cfg, err := config.Load(config.DefaultPath, log)
	if err != nil {
		return nil, exitcode.Wrap(exitcode.Internal, err)
	}

	uid := os.Getuid()
	fsys := afero.NewOsFs()
	tables := mnttab.New(fsys, nil)
	oracle := sysfs.New(log)
	locks := lockdir.New(cfg.LockRoot, cfg.LockFileDir, priv, log)
	pol := policy.New(cfg, tables, oracle, locks, uid, log)
	runner := spawn.ExecRunner{Privilege: priv, Log: log}
	crypt := luks.New(runner, priv, cfg.LUKSLockDir(), log)
	loops := loopdev.New(runner, cfg.LoopDevices, uid, log)
	return mounter.New(cfg, priv, runner, tables, pol, locks, crypt, loops, log), nil
}

func newLogger() *slog.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	if debugLogFile != "" {
		return logging.NewFileLogger(level, os.Stderr, debugLogFile)
	}
	return logging.NewCLILogger(level, os.Stderr)
}

func lockArgs(args []string) (string, int, error) {
	if len(args) != 2 {
		return "", 0, exitcode.Errorf(exitcode.Args, "--lock and --unlock take a device and a pid")
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil || pid <= 0 {
		return "", 0, exitcode.Errorf(exitcode.PID, "invalid pid %q", args[1])
	}
	return args[0], pid, nil
}

func mountOpts() (fstable.MountOpts, error) {
	opts := fstable.MountOpts{
		Sync:           sync,
		Noatime:        noatime,
		Exec:           exec,
		Umask:          umask,
		Fmask:          fmask,
		Dmask:          dmask,
		UTC:            utc,
		SELinuxContext: selinuxCtx,
		UID:            os.Getuid(),
		GID:            os.Getgid(),
	}
	switch {
	case readOnly:
		opts.Access = fstable.AccessReadOnly
	case readWrite:
		opts.Access = fstable.AccessReadWrite
	}

	if charset != "" {
		if !fstable.ValidCharset(charset) {
			return opts, exitcode.Errorf(exitcode.Args, "invalid charset %q", charset)
		}
		opts.Iocharset = charset
		opts.UTF8 = charset == "utf8"
	} else if utf8Locale() {
		opts.Iocharset = "utf8"
		opts.UTF8 = true
	}
	return opts, nil
}

// utf8Locale reports whether the locale environment selects UTF-8, in which
// case file name translation defaults to it.
func utf8Locale() bool {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(key); v != "" {
			v = strings.ToLower(v)
			return strings.Contains(v, "utf-8") || strings.Contains(v, "utf8")
		}
	}
	return false
}

// FatalExit reports a startup error that happens before any command runs and
// terminates with the internal fault code.
func FatalExit(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitcode.Internal)
}
