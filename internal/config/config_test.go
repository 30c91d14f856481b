package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sftpd.toml")
	contents := `
[sftp]
port = 2022

[[fs.mounts]]
vfs_path = "/"
local_dir = "/srv/root"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SFTP.Port != 2022 {
		t.Errorf("port = %d, want 2022", cfg.SFTP.Port)
	}
	if cfg.SFTP.DefaultFileMode != 0o666 {
		t.Errorf("default_file_mode = %o, want 0666 (unset in file, default should apply)", cfg.SFTP.DefaultFileMode)
	}
	if len(cfg.FS.Mounts) != 1 || cfg.FS.Mounts[0].LocalDir != "/srv/root" {
		t.Fatalf("unexpected mounts: %+v", cfg.FS.Mounts)
	}
	if cfg.Redis.PoolSize != 10 {
		t.Errorf("redis pool_size = %d, want default 10", cfg.Redis.PoolSize)
	}
}

func TestEnvOverlayOverridesDefaults(t *testing.T) {
	t.Setenv("SFTPD_PORT", "9999")
	t.Setenv("SFTPD_ALLOW_PASSWORD", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SFTP.Port != 9999 {
		t.Errorf("port = %d, want 9999 from env overlay", cfg.SFTP.Port)
	}
	if !cfg.SFTP.AllowPassword {
		t.Error("allow_password should be true from env overlay")
	}
}
