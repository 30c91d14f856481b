// Package config loads the server's TOML configuration and applies an
// environment-variable overlay on top, so deployment tooling can override
// a handful of frequently-templated knobs without rewriting the config
// file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of the TOML document: one table per external
// collaborator the server talks to.
type Config struct {
	SFTP  SFTPConfig  `toml:"sftp"`
	Auth  AuthConfig  `toml:"auth"`
	Redis RedisConfig `toml:"redis"`
	FS    FSConfig    `toml:"fs"`
}

type SFTPConfig struct {
	Address           []string `toml:"address"`
	Port              uint16   `toml:"port"`
	PrivateHostKeyDir string   `toml:"private_host_key_dir"`
	AllowPassword     bool     `toml:"allow_password"`
	AllowPublicKey    bool     `toml:"allow_publickey"`
	DefaultFileMode   uint32   `toml:"default_file_mode"`
	DefaultDirMode    uint32   `toml:"default_dir_mode"`
}

type AuthConfig struct {
	LDAP LDAPConfig `toml:"ldap"`
}

type LDAPConfig struct {
	URL             string `toml:"url"`
	PoolMaxSize     int    `toml:"pool_max_size"`
	ConnTimeout     string `toml:"conn_timeout"`
	StartTLS        bool   `toml:"starttls"`
	TLSNoVerify     bool   `toml:"tls_no_verify"`
	BindDN          string `toml:"bind_dn"`
	BindPassword    string `toml:"bind_password"`
	BaseDN          string `toml:"base_dn"`
	UserAttribute   string `toml:"user_attribute"`
	SSHKeyAttribute string `toml:"ssh_key_attribute"`
}

// ConnTimeoutDuration parses ConnTimeout, defaulting to 120s.
func (c LDAPConfig) ConnTimeoutDuration() time.Duration {
	if c.ConnTimeout == "" {
		return 120 * time.Second
	}
	d, err := time.ParseDuration(c.ConnTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// RedisConfig is optional: a zero-value URL disables the cache entirely.
type RedisConfig struct {
	URL      string `toml:"url"`
	PoolSize int    `toml:"pool_size"`
}

// Enabled reports whether a cache pool should be constructed at all.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// FSConfig is the mount table: one VfsPath/LocalDir pair per entry.
type FSConfig struct {
	Mounts []MountConfig `toml:"mounts"`
}

type MountConfig struct {
	VfsPath  string `toml:"vfs_path"`
	LocalDir string `toml:"local_dir"`
}

func defaults() Config {
	return Config{
		SFTP: SFTPConfig{
			Address:         []string{"127.0.0.1", "::1"},
			Port:            2222,
			AllowPassword:   false,
			AllowPublicKey:  true,
			DefaultFileMode: 0o666,
			DefaultDirMode:  0o777,
		},
		Auth: AuthConfig{
			LDAP: LDAPConfig{
				PoolMaxSize:     10,
				ConnTimeout:     "120s",
				UserAttribute:   "cn",
				SSHKeyAttribute: "sshPublicKey",
			},
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
	}
}

// Load reads path as TOML over the built-in defaults, then applies the
// SFTPD_-prefixed environment overlay.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverlay(&cfg)
	return &cfg, nil
}

// applyEnvOverlay lets deployment tooling override a handful of
// frequently-templated knobs without rewriting the TOML file: only leaf
// scalars that operators commonly need to vary per-environment.
func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("SFTPD_PORT"); ok {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.SFTP.Port = uint16(port)
		}
	}
	if v, ok := os.LookupEnv("SFTPD_ALLOW_PASSWORD"); ok {
		cfg.SFTP.AllowPassword = parseBool(v, cfg.SFTP.AllowPassword)
	}
	if v, ok := os.LookupEnv("SFTPD_ALLOW_PUBLICKEY"); ok {
		cfg.SFTP.AllowPublicKey = parseBool(v, cfg.SFTP.AllowPublicKey)
	}
	if v, ok := os.LookupEnv("SFTPD_LDAP_URL"); ok {
		cfg.Auth.LDAP.URL = v
	}
	if v, ok := os.LookupEnv("SFTPD_LDAP_BIND_PASSWORD"); ok {
		cfg.Auth.LDAP.BindPassword = v
	}
	if v, ok := os.LookupEnv("SFTPD_REDIS_URL"); ok {
		cfg.Redis.URL = v
	}
	if v, ok := os.LookupEnv("SFTPD_HOST_KEY_DIR"); ok {
		cfg.SFTP.PrivateHostKeyDir = v
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
