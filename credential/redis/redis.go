// Package redis implements a credential.Store on Redis.
//
// Credentials are hashes keyed by the SHA-256 of their token, so
// client-supplied path segments never become key names directly. Every
// mutation is a Lua script, which makes it atomic per credential.
package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	redigolib "github.com/gomodule/redigo/redis"
	"github.com/minio/sha256-simd"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/redisconn"
	"github.com/chihaya/warden/pkg/stop"
)

// Config holds the configuration of a redis credential store.
type Config struct {
	redisconn.Config `yaml:",inline"`
	KeyPrefix        string `yaml:"key_prefix"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"redisBroker":         cfg.Broker,
		"redisReadTimeout":    cfg.ReadTimeout,
		"redisWriteTimeout":   cfg.WriteTimeout,
		"redisConnectTimeout": cfg.ConnectTimeout,
		"keyPrefix":           cfg.KeyPrefix,
	}
}

type store struct {
	rb     *redisconn.Backend
	prefix string
	closed chan struct{}
}

var _ credential.Store = &store{}

// New creates a credential.Store backed by Redis.
func New(cfg Config) (credential.Store, error) {
	rb, err := redisconn.New(cfg.Config)
	if err != nil {
		return nil, err
	}
	log.Info("creating redis credential store", cfg)
	return &store{
		rb:     rb,
		prefix: cfg.KeyPrefix,
		closed: make(chan struct{}),
	}, nil
}

func (s *store) credKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + "credential:" + hex.EncodeToString(sum[:])
}

func (s *store) activeKey(userID bittorrent.UserID, torrentID bittorrent.TorrentID) string {
	return fmt.Sprintf("%scredential_active:%d:%d", s.prefix, userID, torrentID)
}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

func (s *store) conn(ctx context.Context) (redigolib.Conn, error) {
	return s.rb.Pool.GetContext(ctx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func decode(fields map[string]string) (*credential.Credential, error) {
	userID, err := strconv.ParseUint(fields["user_id"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid user_id: %w", err)
	}
	torrentID, err := strconv.ParseUint(fields["torrent_id"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid torrent_id: %w", err)
	}
	usage, err := strconv.ParseUint(fields["usage_count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid usage_count: %w", err)
	}

	c := &credential.Credential{
		Token:        fields["token"],
		UserID:       bittorrent.UserID(userID),
		TorrentID:    bittorrent.TorrentID(torrentID),
		IsRevoked:    fields["revoked"] == "1",
		RevokeReason: fields["revoke_reason"],
		UsageCount:   usage,
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"revoked_at", &c.RevokedAt},
		{"last_used_at", &c.LastUsedAt},
		{"created_at", &c.CreatedAt},
	} {
		if *f.dst, err = parseTime(fields[f.name]); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}
	return c, nil
}

func (s *store) getByKey(conn redigolib.Conn, key string) (*credential.Credential, error) {
	fields, err := redigolib.StringMap(conn.Do("HGETALL", key))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, credential.ErrNotFound
	}
	return decode(fields)
}

func (s *store) Get(ctx context.Context, token string) (*credential.Credential, error) {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return s.getByKey(conn, s.credKey(token))
}

func (s *store) Issue(ctx context.Context, userID bittorrent.UserID, torrentID bittorrent.TorrentID, now time.Time) (*credential.Credential, error) {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	token := credential.NewToken()
	key, err := redigolib.String(issueScript.Do(conn,
		s.activeKey(userID, torrentID), s.credKey(token),
		token, uint32(userID), uint32(torrentID), formatTime(now)))
	if err != nil {
		return nil, err
	}
	return s.getByKey(conn, key)
}

func (s *store) Put(ctx context.Context, c credential.Credential) error {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	revoked := "0"
	if c.IsRevoked {
		revoked = "1"
	}
	ok, err := redigolib.Int(putScript.Do(conn,
		s.activeKey(c.UserID, c.TorrentID), s.credKey(c.Token),
		c.Token, uint32(c.UserID), uint32(c.TorrentID),
		revoked, formatTime(c.RevokedAt), c.RevokeReason,
		c.UsageCount, formatTime(c.LastUsedAt), formatTime(c.CreatedAt), s.prefix))
	if err != nil {
		return err
	}
	switch ok {
	case 0:
		return credential.ErrActiveExists
	case -1:
		return credential.ErrRevoked
	}
	return nil
}

func (s *store) Revoke(ctx context.Context, token, reason string, now time.Time) error {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	found, err := redigolib.Int(revokeScript.Do(conn, s.credKey(token), formatTime(now), reason, s.prefix))
	if err != nil {
		return err
	}
	if found == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func (s *store) Touch(ctx context.Context, token string, now time.Time) (*credential.Credential, error) {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	key := s.credKey(token)
	n, err := redigolib.Int64(touchScript.Do(conn, key, formatTime(now)))
	if err != nil {
		return nil, err
	}
	switch n {
	case -1:
		return nil, credential.ErrNotFound
	case -2:
		return nil, credential.ErrRevoked
	}

	// The returned copy may include concurrent touches; only the increment
	// above is atomic.
	return s.getByKey(conn, key)
}

func (s *store) CleanupInactive(ctx context.Context, before time.Time) (int, error) {
	s.panicIfClosed()

	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var deleted int
	cursor := 0
	for {
		values, err := redigolib.Values(conn.Do("SCAN", cursor, "MATCH", s.prefix+"credential:*", "COUNT", 100))
		if err != nil {
			return deleted, err
		}
		if len(values) != 2 {
			return deleted, errors.New("unexpected SCAN reply")
		}
		if cursor, err = redigolib.Int(values[0], nil); err != nil {
			return deleted, err
		}
		keys, err := redigolib.Strings(values[1], nil)
		if err != nil {
			return deleted, err
		}

		for _, key := range keys {
			n, err := redigolib.Int(cleanupScript.Do(conn, key, formatTime(before), s.prefix))
			if err != nil {
				return deleted, err
			}
			deleted += n
		}

		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		c.Done(s.rb.Close())
	}()
	return c.Result()
}
