// Package config loads the system configuration that gates the dangerous
// features of pmount. Everything defaults to the safe side: a missing
// configuration file means loop mounts and fsck are disallowed.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultPath is where the system configuration file is looked up.
const DefaultPath = "/etc/pmount.conf.yaml"

// Config are the administrator-controlled settings. The value is loaded once
// at startup and passed around immutably; policy decisions never consult
// mutable global state.
type Config struct {
	// MediaRoot is the directory below which mount points are created.
	MediaRoot string `mapstructure:"media_root" validate:"required,startswith=/"`
	// LockRoot holds the per-device lock directories.
	LockRoot string `mapstructure:"lock_root" validate:"required,startswith=/"`
	// LockFileDir holds mountpoint sentinel files and LUKS ownership
	// lockfiles.
	LockFileDir string `mapstructure:"lock_file_dir" validate:"required,startswith=/"`
	// AllowlistPath is the file of device patterns permitted regardless of
	// removability.
	AllowlistPath string `mapstructure:"allowlist_path" validate:"required,startswith=/"`
	// AllowFsck permits the --fsck flag.
	AllowFsck bool `mapstructure:"allow_fsck"`
	// AllowLoop permits loop-mounting disk images.
	AllowLoop bool `mapstructure:"allow_loop"`
	// LoopDevices is the allowlist of loop device nodes that may be bound.
	// Loop devices are never auto-created.
	LoopDevices []string `mapstructure:"loop_devices" validate:"dive,startswith=/dev/"`
	// MountpointExceptions maps a device path to the one mountpoint outside
	// MediaRoot that pumount may still unmount. Matching is by exact string
	// equality; this check is a security boundary.
	MountpointExceptions map[string]string `mapstructure:"mountpoint_exceptions"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MediaRoot:     "/media",
		LockRoot:      "/var/lock/pmount",
		LockFileDir:   "/var/lock",
		AllowlistPath: "/etc/pmount.allow",
	}
}

// Load reads the configuration file at path. A missing file yields the
// defaults; an unreadable or invalid file is an error the caller must treat
// as fatal, since continuing could silently bypass policy.
func Load(path string, log *slog.Logger) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("media_root", cfg.MediaRoot)
	v.SetDefault("lock_root", cfg.LockRoot)
	v.SetDefault("lock_file_dir", cfg.LockFileDir)
	v.SetDefault("allowlist_path", cfg.AllowlistPath)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debug("No system configuration file", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading configuration file %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing configuration file %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	log.Debug("Loaded system configuration", "path", path, "allowLoop", cfg.AllowLoop, "allowFsck", cfg.AllowFsck)
	return cfg, nil
}

// LUKSLockDir returns the directory holding LUKS ownership lockfiles.
func (c Config) LUKSLockDir() string {
	return c.LockRoot + "_luks"
}
