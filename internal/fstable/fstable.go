// Package fstable is the static table of filesystems pmount can mount, with
// the capability flags that drive mount option assembly.
package fstable

import (
	"fmt"
	"strconv"
	"strings"
)

// FS describes one supported filesystem.
type FS struct {
	// Name is the filesystem name passed to mount -t.
	Name string
	// Options are the base mount options, never empty. sync/atime/exec and
	// friends are appended dynamically.
	Options string
	// SupportsUGID is set for filesystems that accept uid= and gid=.
	SupportsUGID bool
	// Umask is the default umask, empty for filesystems without umask
	// support.
	Umask string
	// IocharsetFormat is the fmt verb producing the charset option, empty
	// for filesystems without charset support.
	IocharsetFormat string
	// FdmaskFormat, if set, produces the fmask/dmask pair from two octal
	// values.
	FdmaskFormat string
	// SkipAutodetect excludes the filesystem from the autodetection loop.
	SkipAutodetect bool
}

// The sync option must not appear here; it is appended according to the
// command line.
var supported = []FS{
	{Name: "udf", Options: "nosuid,nodev,user", SupportsUGID: true, Umask: "007", IocharsetFormat: "iocharset=%s"},
	{Name: "iso9660", Options: "nosuid,nodev,user", SupportsUGID: true, IocharsetFormat: "iocharset=%s"},
	{Name: "vfat", Options: "nosuid,nodev,user,quiet,shortname=mixed", SupportsUGID: true, Umask: "077", IocharsetFormat: "iocharset=%s", FdmaskFormat: "fmask=%04o,dmask=%04o"},
	{Name: "ntfs", Options: "nosuid,nodev,user", SupportsUGID: true, Umask: "077", IocharsetFormat: "nls=%s"},
	{Name: "ntfs-3g", Options: "nosuid,nodev,user", SupportsUGID: true, Umask: "077", SkipAutodetect: true},
	{Name: "hfsplus", Options: "nosuid,nodev,user", SupportsUGID: true},
	{Name: "hfs", Options: "nosuid,nodev,user", SupportsUGID: true},
	{Name: "ext4", Options: "nodev,noauto,nosuid,user,errors=continue"},
	{Name: "ext3", Options: "nodev,noauto,nosuid,user,errors=continue"},
	{Name: "ext2", Options: "nodev,noauto,nosuid,user,errors=continue"},
	{Name: "reiserfs", Options: "nodev,noauto,nosuid,user"},
	{Name: "xfs", Options: "nodev,noauto,nosuid,user"},
	{Name: "jfs", Options: "nodev,noauto,nosuid,user,errors=continue", IocharsetFormat: "iocharset=%s", SkipAutodetect: true},
	{Name: "omfs", Options: "nodev,noauto,nosuid,user"},
}

// Supported returns the filesystems in autodetection order.
func Supported() []FS {
	return supported
}

// Lookup returns the table entry for the given filesystem name.
func Lookup(name string) (FS, bool) {
	for _, fs := range supported {
		if fs.Name == name {
			return fs, true
		}
	}
	return FS{}, false
}

// Access selects the read/write mode of the mount.
type Access int

const (
	// AccessDefault leaves the decision to mount(8).
	AccessDefault Access = iota
	// AccessReadOnly forces a read-only mount.
	AccessReadOnly
	// AccessReadWrite forces a read-write mount.
	AccessReadWrite
)

// MountOpts are the user-controlled knobs that shape the option string.
type MountOpts struct {
	Access         Access
	Sync           bool
	Noatime        bool
	Exec           bool
	Umask          string
	Fmask          string
	Dmask          string
	Iocharset      string
	UTF8           bool
	UTC            bool
	SELinuxContext bool
	UID            int
	GID            int
}

// selinuxContext is the label applied with the -o context= option.
const selinuxContext = "system_u:object_r:removable_t:s0"

// OptionString assembles the -o argument for mounting this filesystem.
// Options are appended per capability: uid/gid only when the filesystem
// supports ownership, umask and fmask/dmask only when masks are supported,
// charset per the filesystem's own format.
func (fs FS) OptionString(opts MountOpts) (string, error) {
	umask, err := parseMask(opts.Umask, "umask")
	if err != nil {
		return "", err
	}
	fmask, err := parseMask(opts.Fmask, "fmask")
	if err != nil {
		return "", err
	}
	dmask, err := parseMask(opts.Dmask, "dmask")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(fs.Options)

	if opts.Sync {
		b.WriteString(",sync")
	} else {
		b.WriteString(",async")
	}
	if opts.Noatime {
		b.WriteString(",noatime")
	} else {
		b.WriteString(",atime")
	}
	if opts.Exec {
		b.WriteString(",exec")
	} else {
		b.WriteString(",noexec")
	}
	switch opts.Access {
	case AccessReadOnly:
		b.WriteString(",ro")
	case AccessReadWrite:
		b.WriteString(",rw")
	}

	if fs.SupportsUGID {
		fmt.Fprintf(&b, ",uid=%d,gid=%d", opts.UID, opts.GID)
	}

	if fs.Umask != "" {
		if opts.Umask != "" {
			b.WriteString(",umask=" + opts.Umask)
		} else {
			b.WriteString(",umask=" + fs.Umask)
		}
	}

	if fs.Umask != "" && fs.FdmaskFormat != "" {
		effUmask := umask
		if opts.Umask == "" {
			effUmask, _ = parseMask(fs.Umask, "umask")
		}
		effFmask := fmask
		if opts.Fmask == "" {
			// files are not executable by default
			effFmask = effUmask | 0o111
		}
		effDmask := dmask
		if opts.Dmask == "" {
			effDmask = effUmask
		}
		b.WriteString(",")
		fmt.Fprintf(&b, fs.FdmaskFormat, effFmask, effDmask)
	}

	if charsetOpt := fs.charsetOption(opts); charsetOpt != "" {
		b.WriteString(charsetOpt)
	}

	if fs.Name == "vfat" && opts.UTC {
		b.WriteString(",tz=UTC")
	}
	if opts.SELinuxContext {
		b.WriteString(",context=" + selinuxContext)
	}

	return b.String(), nil
}

// charsetOption handles the vfat/UTF-8 interplay: the vfat driver wants the
// utf8 flag with a non-utf8 iocharset, see mount(8).
func (fs FS) charsetOption(opts MountOpts) string {
	if fs.IocharsetFormat == "" {
		return ""
	}
	if opts.Iocharset != "" {
		if fs.Name == "vfat" && opts.UTF8 {
			if opts.Iocharset == "utf8" {
				return ",utf8,iocharset=iso8859-1"
			}
			return ",utf8,iocharset=" + opts.Iocharset
		}
		return "," + fmt.Sprintf(fs.IocharsetFormat, opts.Iocharset)
	}
	if fs.Name == "vfat" {
		// without an explicit charset some mount versions silently pick
		// iocharset=utf8, which is unsafe for vfat; pin iso8859-1
		return "," + fmt.Sprintf(fs.IocharsetFormat, "iso8859-1")
	}
	return ""
}

// ValidCharset reports whether s is usable as a charset name: ASCII
// letters, digits, dashes and underscores only.
func ValidCharset(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// parseMask parses a permission mask, accepting the usual leading-zero octal
// form. The empty string is valid and parses to zero.
func parseMask(s, name string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return uint32(v), nil
}
