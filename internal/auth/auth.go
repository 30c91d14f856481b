// Package auth implements the directory-service authentication client:
// LDAP bind/search for user records (DN, group memberships, authorized
// public keys) behind a short-TTL cache. Each directory lookup dials its
// own connection, and a fixed-size semaphore bounds how many run at once,
// so a slow directory server can't pile up unbounded connections.
package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/ssh"
)

// cacheKeyPrefix namespaces cached user records in the shared cache.
const cacheKeyPrefix = "ldap_cache_user_"

// cacheTTL is the fixed TTL for cached user records.
const cacheTTL = 300 * time.Second

// UserInfo is the authenticated user record: directory DN plus the
// authorized public keys parsed from the configured attribute.
type UserInfo struct {
	Username   string
	DN         string
	PublicKeys []ssh.PublicKey
}

// ErrMultipleUsersFound is returned when a directory search for a single
// username unexpectedly matches more than one entry.
var ErrMultipleUsersFound = errors.New("auth: multiple directory entries matched username")

// ErrUserNotFound is returned when the directory search matches no entry.
var ErrUserNotFound = errors.New("auth: no such user in directory")

// LDAPConfig mirrors the `auth.ldap` configuration section.
type LDAPConfig struct {
	URL             string
	PoolMaxSize     int
	ConnTimeout     time.Duration
	StartTLS        bool
	TLSNoVerify     bool
	BindDN          string
	BindPassword    string
	BaseDN          string
	UserAttribute   string
	SSHKeyAttribute string
}

func (c LDAPConfig) withDefaults() LDAPConfig {
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = 10
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 120 * time.Second
	}
	if c.UserAttribute == "" {
		c.UserAttribute = "cn"
	}
	if c.SSHKeyAttribute == "" {
		c.SSHKeyAttribute = "sshPublicKey"
	}
	return c
}

// Client is the auth client: a directory pool and
// an optional cache pool, each bounded and timeout-guarded.
type Client struct {
	cfg LDAPConfig

	dirSem chan struct{}

	cache *goredis.Client // nil disables caching entirely
}

// NewClient constructs a Client. If redisClient is nil, GetUser always
// falls through to the directory: caching is optional, and an absent
// cache client simply disables it.
func NewClient(cfg LDAPConfig, redisClient *goredis.Client) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		dirSem: make(chan struct{}, cfg.PoolMaxSize),
		cache:  redisClient,
	}
}

// acquireDir blocks until a directory pool slot is free or ctx/timeout
// expires, condensing the pool's several acquisition outcomes
// to the two a Go caller actually needs to branch on: success or timeout.
func (c *Client) acquireDir(ctx context.Context) (release func(), err error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnTimeout)
	defer cancel()

	select {
	case c.dirSem <- struct{}{}:
		return func() { <-c.dirSem }, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("auth: directory pool acquisition timed out after %s", c.cfg.ConnTimeout)
	}
}

// GetUser implements the three-step lookup: cache, then
// directory bind+search, with a cache write-through on a directory hit.
func (c *Client) GetUser(ctx context.Context, username string) (*UserInfo, error) {
	if info, ok := c.getCached(ctx, username); ok {
		return info, nil
	}

	info, err := c.lookupDirectory(ctx, username)
	if err != nil {
		return nil, err
	}

	c.setCached(ctx, info)
	return info, nil
}

func (c *Client) lookupDirectory(ctx context.Context, username string) (*UserInfo, error) {
	release, err := c.acquireDir(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth: acquire directory connection")
	}
	defer release()

	conn, err := dial(c.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "auth: dial directory")
	}
	defer conn.Close()

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		return nil, errors.Wrap(err, "auth: bind to directory")
	}

	filter := fmt.Sprintf("(%s=%s)", c.cfg.UserAttribute, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{"dn", "memberOf", c.cfg.SSHKeyAttribute},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "auth: directory search")
	}

	switch len(res.Entries) {
	case 0:
		return nil, ErrUserNotFound
	case 1:
		return entryToUserInfo(username, res.Entries[0], c.cfg.SSHKeyAttribute), nil
	default:
		return nil, ErrMultipleUsersFound
	}
}

func entryToUserInfo(username string, entry *ldap.Entry, keyAttr string) *UserInfo {
	info := &UserInfo{Username: username, DN: entry.DN}
	for _, raw := range entry.GetAttributeValues(keyAttr) {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			continue
		}
		info.PublicKeys = append(info.PublicKeys, pk)
	}
	return info
}

func dial(cfg LDAPConfig) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.StartTLS {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.TLSNoVerify} //nolint:gosec // operator-controlled knob
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) getCached(ctx context.Context, username string) (*UserInfo, bool) {
	if c.cache == nil {
		return nil, false
	}

	raw, err := c.cache.Get(ctx, cacheKeyPrefix+username).Bytes()
	if err != nil {
		return nil, false
	}
	info, err := decodeUserInfo(raw)
	if err != nil {
		return nil, false
	}
	return info, true
}

func (c *Client) setCached(ctx context.Context, info *UserInfo) {
	if c.cache == nil {
		return
	}
	raw, err := encodeUserInfo(info)
	if err != nil {
		return
	}
	c.cache.Set(ctx, cacheKeyPrefix+info.Username, raw, cacheTTL)
}
