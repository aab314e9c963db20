package sysfs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs builds a minimal sysfs tree:
//
//	<root>/block/sda/dev                8:0
//	<root>/block/sda/sda1/dev           8:1
//	<root>/block/sda/removable          per test
//	<root>/devices/pci0/usb1/1-1/...    backing device directory
//	<root>/block/sda/device             -> devices/.../host0/target0/0:0:0:0
//	<root>/bus/usb/devices/1-1          -> devices/pci0/usb1/1-1
func fakeSysfs(t *testing.T, removable string, onUSB bool) string {
	t.Helper()
	require := require.New(t)
	root := t.TempDir()

	scsiDir := filepath.Join(root, "devices", "pci0", "usb1", "1-1", "host0", "target0", "0:0:0:0")
	require.NoError(os.MkdirAll(scsiDir, 0o755))

	blockDir := filepath.Join(root, "block", "sda")
	require.NoError(os.MkdirAll(filepath.Join(blockDir, "sda1"), 0o755))
	require.NoError(os.WriteFile(filepath.Join(blockDir, "dev"), []byte("8:0\n"), 0o644))
	require.NoError(os.WriteFile(filepath.Join(blockDir, "sda1", "dev"), []byte("8:1\n"), 0o644))
	require.NoError(os.WriteFile(filepath.Join(blockDir, "removable"), []byte(removable), 0o644))
	require.NoError(os.Symlink(scsiDir, filepath.Join(blockDir, "device")))

	if onUSB {
		busDir := filepath.Join(root, "bus", "usb", "devices")
		require.NoError(os.MkdirAll(busDir, 0o755))
		require.NoError(os.Symlink(filepath.Join(root, "devices", "pci0", "usb1", "1-1"), filepath.Join(busDir, "1-1")))
	}

	return root
}

func testOracle(root string, major, minor uint32) *Oracle {
	return &Oracle{
		roots: []string{root},
		devNumbers: func(string) (uint32, uint32, error) {
			return major, minor, nil
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestLocate(t *testing.T) {
	testCases := map[string]struct {
		major, minor uint32
		wantFound    bool
	}{
		"whole disk":        {major: 8, minor: 0, wantFound: true},
		"partition":         {major: 8, minor: 1, wantFound: true},
		"unknown partition": {major: 8, minor: 17},
		"unknown major":     {major: 254, minor: 0},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			root := fakeSysfs(t, "0\n", false)
			oracle := testOracle(root, tc.major, tc.minor)

			path, found, err := oracle.Locate("/dev/sda1")
			assert.NoError(err)
			assert.Equal(tc.wantFound, found)
			if tc.wantFound {
				assert.Equal(filepath.Join(root, "block", "sda"), path)
			}
		})
	}
}

func TestAttributeTrue(t *testing.T) {
	testCases := map[string]struct {
		removable string
		want      bool
	}{
		"set":      {removable: "1\n", want: true},
		"unset":    {removable: "0\n", want: false},
		"garbage":  {removable: "x", want: false},
		"missing":  {removable: "", want: false},
		"extra bytes": {removable: "11", want: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			root := fakeSysfs(t, tc.removable, false)
			oracle := testOracle(root, 8, 0)
			if tc.removable == "" {
				require.NoError(t, os.Remove(filepath.Join(root, "block", "sda", "removable")))
			}

			got := oracle.AttributeTrue(filepath.Join(root, "block", "sda"), "removable")
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRemovable(t *testing.T) {
	testCases := map[string]struct {
		removable string
		onUSB     bool
		want      bool
	}{
		"removable attribute set": {
			removable: "1\n",
			want:      true,
		},
		"fixed disk": {
			removable: "0\n",
		},
		"attribute unset but on usb bus": {
			removable: "0\n",
			onUSB:     true,
			want:      true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			root := fakeSysfs(t, tc.removable, tc.onUSB)
			oracle := testOracle(root, 8, 1)

			assert.Equal(t, tc.want, oracle.Removable("/dev/sda1"))
		})
	}
}

func TestBusAncestryIgnoresUnrelatedBuses(t *testing.T) {
	root := fakeSysfs(t, "0\n", true)
	oracle := testOracle(root, 8, 0)

	sysfsPath := filepath.Join(root, "block", "sda")

	bus, ok := oracle.BusAncestry(sysfsPath, []string{"pcmcia", "usb"})
	assert.True(t, ok)
	assert.Equal(t, "usb", bus)

	_, ok = oracle.BusAncestry(sysfsPath, []string{"pcmcia"})
	assert.False(t, ok)
}
