// Command sftpd is the standalone SFTP server process: it loads
// configuration, wires the mount table, auth client, and metrics
// registry, and serves SSH connections until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/go-sftpd/sftpd/internal/auth"
	"github.com/go-sftpd/sftpd/internal/config"
	"github.com/go-sftpd/sftpd/internal/metrics"
	"github.com/go-sftpd/sftpd/internal/sshd"
	"github.com/go-sftpd/sftpd/internal/vfs"
	"github.com/go-sftpd/sftpd/internal/vfs/localdir"
)

func main() {
	var (
		configPath string
		debugLevel string
	)
	flag.StringVar(&configPath, "c", "", "path to sftpd.toml")
	flag.StringVar(&debugLevel, "l", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(debugLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	if err := run(configPath, entry); err != nil {
		entry.WithError(err).Fatal("sftpd: fatal error")
	}
}

func run(configPath string, log *logrus.Entry) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	vfsSet, err := buildVfsSet(cfg.FS, 0)
	if err != nil {
		return fmt.Errorf("build mount table: %w", err)
	}
	for _, m := range vfsSet.Mounts() {
		log.WithFields(logrus.Fields{
			"vfs_path":  m.Prefix,
			"local_dir": m.Backend.Root(),
		}).Info("sftpd: mounted")
	}

	var redisClient *goredis.Client
	if cfg.Redis.Enabled() {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Redis.PoolSize > 0 {
			opts.PoolSize = cfg.Redis.PoolSize
		}
		redisClient = goredis.NewClient(opts)
	}

	authCli := auth.NewClient(auth.LDAPConfig{
		URL:             cfg.Auth.LDAP.URL,
		PoolMaxSize:     cfg.Auth.LDAP.PoolMaxSize,
		ConnTimeout:     cfg.Auth.LDAP.ConnTimeoutDuration(),
		StartTLS:        cfg.Auth.LDAP.StartTLS,
		TLSNoVerify:     cfg.Auth.LDAP.TLSNoVerify,
		BindDN:          cfg.Auth.LDAP.BindDN,
		BindPassword:    cfg.Auth.LDAP.BindPassword,
		BaseDN:          cfg.Auth.LDAP.BaseDN,
		UserAttribute:   cfg.Auth.LDAP.UserAttribute,
		SSHKeyAttribute: cfg.Auth.LDAP.SSHKeyAttribute,
	}, redisClient)

	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)

	srv, err := sshd.NewServer(sshd.Config{
		Addresses:         cfg.SFTP.Address,
		Port:              cfg.SFTP.Port,
		PrivateHostKeyDir: cfg.SFTP.PrivateHostKeyDir,
		AllowPassword:     cfg.SFTP.AllowPassword,
		AllowPublicKey:    cfg.SFTP.AllowPublicKey,
		DefaultFileMode:   cfg.SFTP.DefaultFileMode,
		DefaultDirMode:    cfg.SFTP.DefaultDirMode,
	}, authCli, vfsSet, rec, log)
	if err != nil {
		return fmt.Errorf("build ssh server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("port", cfg.SFTP.Port).Info("sftpd: listening")
	return srv.ListenAndServe(ctx)
}

func buildVfsSet(fs config.FSConfig, poolSize int) (*vfs.Set, error) {
	mounts := make([]vfs.Mount, 0, len(fs.Mounts))
	for _, m := range fs.Mounts {
		backend, err := localdir.New(m.LocalDir, poolSize)
		if err != nil {
			return nil, fmt.Errorf("mount %s -> %s: %w", m.VfsPath, m.LocalDir, err)
		}
		mounts = append(mounts, vfs.Mount{Prefix: m.VfsPath, Backend: backend})
	}
	return vfs.NewSet(mounts)
}
