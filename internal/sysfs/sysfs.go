// Package sysfs resolves block device nodes to their kernel block-subsystem
// entries and classifies them as removable.
package sysfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Buses whose devices are regarded as hot-pluggable even when the block
// device does not carry the "removable" attribute. Many USB mass-storage
// devices do not set it reliably.
var HotplugBuses = []string{"usb", "ieee1394", "mmc", "pcmcia"}

// Oracle answers removability queries from sysfs.
type Oracle struct {
	// roots are candidate sysfs mount points, tried in order.
	roots      []string
	devNumbers func(device string) (major, minor uint32, err error)
	log        *slog.Logger
}

// New creates an [Oracle] reading from the standard sysfs mount points.
func New(log *slog.Logger) *Oracle {
	return &Oracle{
		roots:      []string{"/sys", "/sysfs"},
		devNumbers: statDevNumbers,
		log:        log,
	}
}

// Locate returns the /sys/block entry of the whole disk the given device
// node belongs to. For a partition, the entry of its parent disk is
// returned, since attributes like "removable" live there. The bool result is
// false if sysfs has no matching entry.
func (o *Oracle) Locate(device string) (string, bool, error) {
	major, minor, err := o.devNumbers(device)
	if err != nil {
		return "", false, err
	}
	o.log.Debug("Looking for sysfs entry", "device", device, "major", major, "minor", minor)

	blockRoot, err := o.blockRoot()
	if err != nil {
		return "", false, err
	}

	dirs, err := os.ReadDir(blockRoot)
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", blockRoot, err)
	}
	for _, dir := range dirs {
		devDir := filepath.Join(blockRoot, dir.Name())
		sysMajor, sysMinor, ok := readDevFile(filepath.Join(devDir, "dev"))
		if !ok || sysMajor != major {
			continue
		}
		if sysMinor == minor {
			return devDir, true, nil
		}
		// Same major but different minor: the device may be a partition of
		// this disk, listed as a subdirectory with its own dev file.
		if o.hasPartition(devDir, major, minor) {
			return devDir, true, nil
		}
	}
	return "", false, nil
}

func (o *Oracle) hasPartition(devDir string, major, minor uint32) bool {
	subdirs, err := os.ReadDir(devDir)
	if err != nil {
		return false
	}
	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		if m, n, ok := readDevFile(filepath.Join(devDir, sub.Name(), "dev")); ok && m == major && n == minor {
			return true
		}
	}
	return false
}

// AttributeTrue reports whether the named attribute of the sysfs entry
// exists and its first byte is '1'.
func (o *Oracle) AttributeTrue(sysfsPath, attr string) bool {
	f, err := os.Open(filepath.Join(sysfsPath, attr))
	if err != nil {
		return false
	}
	defer f.Close()
	var b [1]byte
	if n, err := f.Read(b[:]); err != nil || n != 1 {
		return false
	}
	return b[0] == '1'
}

// BusAncestry reports the first of the candidate buses that contains an
// ancestor of the sysfs entry's underlying device, walking the device path
// upward component by component.
func (o *Oracle) BusAncestry(sysfsPath string, buses []string) (string, bool) {
	devDir, err := filepath.EvalSymlinks(filepath.Join(sysfsPath, "device"))
	if err != nil {
		o.log.Debug("No device link for sysfs entry", "path", sysfsPath, "error", err)
		return "", false
	}

	root, err := o.root()
	if err != nil {
		return "", false
	}
	for _, bus := range buses {
		devices := o.busDevices(filepath.Join(root, "bus", bus, "devices"))
		for ancestor := devDir; ancestor != "/" && ancestor != "."; ancestor = filepath.Dir(ancestor) {
			if devices[ancestor] {
				o.log.Debug("Found bus ancestor", "bus", bus, "ancestor", ancestor)
				return bus, true
			}
		}
	}
	return "", false
}

// Removable reports whether the device is removable: either its sysfs entry
// carries the "removable" attribute, or a hotplug bus occurs in its
// ancestry. A device without a sysfs entry is never removable.
func (o *Oracle) Removable(device string) bool {
	sysfsPath, found, err := o.Locate(device)
	if err != nil || !found {
		o.log.Debug("Could not find sysfs entry", "device", device, "error", err)
		return false
	}
	if o.AttributeTrue(sysfsPath, "removable") {
		return true
	}
	bus, ok := o.BusAncestry(sysfsPath, HotplugBuses)
	if ok {
		o.log.Debug("Device is on a hotplug bus", "device", device, "bus", bus)
	}
	return ok
}

func (o *Oracle) busDevices(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	devices := make(map[string]bool, len(entries))
	for _, e := range entries {
		resolved, err := filepath.EvalSymlinks(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		devices[resolved] = true
	}
	return devices
}

func (o *Oracle) root() (string, error) {
	for _, root := range o.roots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			return root, nil
		}
	}
	return "", fmt.Errorf("no sysfs mount point found (tried %s)", strings.Join(o.roots, ", "))
}

func (o *Oracle) blockRoot() (string, error) {
	root, err := o.root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "block"), nil
}

func statDevNumbers(device string) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(device, &st); err != nil {
		return 0, 0, fmt.Errorf("getting status of device %s: %w", device, err)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

func readDevFile(path string) (major, minor uint32, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	var m, n uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d:%d", &m, &n); err != nil {
		return 0, 0, false
	}
	return m, n, true
}
