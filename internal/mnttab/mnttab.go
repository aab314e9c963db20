// Package mnttab provides read-only queries over fstab-style tables: the
// static system fstab, the live mount table and its snapshot.
package mnttab

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/MisterDA/pmount/internal/exitcode"
)

// Well-known table files. The live table is consulted twice since /etc/mtab
// may be stale or missing on systems where it is not a symlink.
const (
	Fstab      = "/etc/fstab"
	MTab       = "/etc/mtab"
	ProcMounts = "/proc/mounts"
)

// Entry is one record of an fstab-style table.
type Entry struct {
	// Device is the raw device spec as written in the table. It may be a
	// symlink or a LABEL=/UUID= style spec, so it must not be compared
	// literally; Inspector resolves it before matching.
	Device     string
	Mountpoint string
	Type       string
	Options    []string
}

// OwnerUID returns the uid recorded in the entry's uid= option, or -1 if the
// entry declares no owner.
func (e Entry) OwnerUID() int {
	for _, opt := range e.Options {
		if v, ok := strings.CutPrefix(opt, "uid="); ok {
			uid, err := strconv.Atoi(v)
			if err != nil {
				return -1
			}
			return uid
		}
	}
	return -1
}

// Inspector looks up devices and mount points in fstab-style tables.
type Inspector struct {
	fs      afero.Fs
	resolve func(string) string
}

// New creates an [Inspector] reading tables from fsys. Paths are
// canonicalized with resolve before comparison; if resolve is nil, symlinks
// are resolved against the host filesystem.
func New(fsys afero.Fs, resolve func(string) string) *Inspector {
	if resolve == nil {
		resolve = Realpath
	}
	return &Inspector{fs: fsys, resolve: resolve}
}

// Realpath canonicalizes path, falling back to the literal path when it
// cannot be resolved (e.g. the node has vanished).
func Realpath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return resolved
}

// FindDevice returns the table entry whose device spec resolves to the same
// canonical path as device, or nil if the table has no such entry. An
// unreadable table is an operational fault, not a policy answer; the caller
// must treat the error as fatal.
func (i *Inspector) FindDevice(table, device string) (*Entry, error) {
	entries, err := i.read(table)
	if err != nil {
		return nil, err
	}
	want := i.resolve(device)
	for _, e := range entries {
		if i.resolve(e.Device) == want {
			return &e, nil
		}
	}
	return nil, nil
}

// FindMountpoint returns the table entry mounted on the given directory, or
// nil if the table has no such entry. Both sides are canonicalized first.
func (i *Inspector) FindMountpoint(table, mntpt string) (*Entry, error) {
	entries, err := i.read(table)
	if err != nil {
		return nil, err
	}
	want := i.resolve(mntpt)
	for _, e := range entries {
		if i.resolve(e.Mountpoint) == want {
			return &e, nil
		}
	}
	return nil, nil
}

// Entries returns all records of the given table.
func (i *Inspector) Entries(table string) ([]Entry, error) {
	return i.read(table)
}

func (i *Inspector) read(table string) ([]Entry, error) {
	f, err := i.fs.Open(table)
	if err != nil {
		// an unreadable table is an operational fault; answering a policy
		// question without it could silently bypass the checks
		return nil, exitcode.Wrap(exitcode.Internal, fmt.Errorf("opening mount table: %w", err))
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, Entry{
			Device:     unescape(fields[0]),
			Mountpoint: unescape(fields[1]),
			Type:       fields[2],
			Options:    strings.Split(fields[3], ","),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table %s: %w", table, err)
	}
	return entries, nil
}

// unescape undoes the octal escapes (\040 for space and friends) that the
// kernel and mount(8) use in table fields.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
