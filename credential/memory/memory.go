// Package memory implements an in-memory credential.Store.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
)

// Default config constants.
const defaultShardCount = 1024

// Config holds the configuration of a memory credential store.
type Config struct {
	ShardCount int `yaml:"shard_count"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"shardCount": cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "credential/memory.ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}
	return validcfg
}

type pair struct {
	user    bittorrent.UserID
	torrent bittorrent.TorrentID
}

type shard struct {
	creds map[string]*credential.Credential
	sync.RWMutex
}

// store shards credentials by token so that touches of different tokens do
// not contend. issueMu guards the active index and is always taken before a
// shard lock.
type store struct {
	shards []*shard

	issueMu sync.Mutex
	active  map[pair]string

	closed chan struct{}
}

var _ credential.Store = &store{}

// New creates an in-memory credential.Store.
func New(provided Config) (credential.Store, error) {
	cfg := provided.Validate()
	s := &store{
		shards: make([]*shard, cfg.ShardCount),
		active: make(map[pair]string),
		closed: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{creds: make(map[string]*credential.Credential)}
	}
	return s, nil
}

func (s *store) panicIfClosed() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (s *store) shardFor(token string) *shard {
	h := fnv.New32a()
	h.Write([]byte(token))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *store) Get(_ context.Context, token string) (*credential.Credential, error) {
	s.panicIfClosed()

	sh := s.shardFor(token)
	sh.RLock()
	defer sh.RUnlock()
	c, ok := sh.creds[token]
	if !ok {
		return nil, credential.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *store) Issue(_ context.Context, userID bittorrent.UserID, torrentID bittorrent.TorrentID, now time.Time) (*credential.Credential, error) {
	s.panicIfClosed()

	s.issueMu.Lock()
	defer s.issueMu.Unlock()

	key := pair{userID, torrentID}
	if token, ok := s.active[key]; ok {
		sh := s.shardFor(token)
		sh.RLock()
		cp := *sh.creds[token]
		sh.RUnlock()
		return &cp, nil
	}

	c := &credential.Credential{
		Token:     credential.NewToken(),
		UserID:    userID,
		TorrentID: torrentID,
		CreatedAt: now,
	}
	sh := s.shardFor(c.Token)
	sh.Lock()
	sh.creds[c.Token] = c
	sh.Unlock()
	s.active[key] = c.Token

	cp := *c
	return &cp, nil
}

func (s *store) Put(_ context.Context, c credential.Credential) error {
	s.panicIfClosed()

	s.issueMu.Lock()
	defer s.issueMu.Unlock()

	sh := s.shardFor(c.Token)
	sh.Lock()
	defer sh.Unlock()

	prev, exists := sh.creds[c.Token]
	if exists && prev.IsRevoked && !c.IsRevoked {
		return credential.ErrRevoked
	}

	key := pair{c.UserID, c.TorrentID}
	if !c.IsRevoked {
		if token, ok := s.active[key]; ok && token != c.Token {
			return credential.ErrActiveExists
		}
	}

	if exists {
		if old := (pair{prev.UserID, prev.TorrentID}); s.active[old] == c.Token {
			delete(s.active, old)
		}
	}
	sh.creds[c.Token] = &c
	if !c.IsRevoked {
		s.active[key] = c.Token
	}
	return nil
}

func (s *store) Revoke(_ context.Context, token, reason string, now time.Time) error {
	s.panicIfClosed()

	s.issueMu.Lock()
	defer s.issueMu.Unlock()

	sh := s.shardFor(token)
	sh.Lock()
	defer sh.Unlock()

	c, ok := sh.creds[token]
	if !ok {
		return credential.ErrNotFound
	}
	if c.IsRevoked {
		return nil
	}
	c.IsRevoked = true
	c.RevokedAt = now
	c.RevokeReason = reason

	key := pair{c.UserID, c.TorrentID}
	if s.active[key] == token {
		delete(s.active, key)
	}
	return nil
}

func (s *store) Touch(_ context.Context, token string, now time.Time) (*credential.Credential, error) {
	s.panicIfClosed()

	sh := s.shardFor(token)
	sh.Lock()
	defer sh.Unlock()

	c, ok := sh.creds[token]
	if !ok {
		return nil, credential.ErrNotFound
	}
	if c.IsRevoked {
		return nil, credential.ErrRevoked
	}
	c.UsageCount++
	c.LastUsedAt = now

	cp := *c
	return &cp, nil
}

func (s *store) CleanupInactive(_ context.Context, before time.Time) (int, error) {
	s.panicIfClosed()

	s.issueMu.Lock()
	defer s.issueMu.Unlock()

	var deleted int
	for _, sh := range s.shards {
		sh.Lock()
		for token, c := range sh.creds {
			if !c.Inactive(before) {
				continue
			}
			delete(sh.creds, token)
			key := pair{c.UserID, c.TorrentID}
			if s.active[key] == token {
				delete(s.active, key)
			}
			deleted++
		}
		sh.Unlock()
	}
	return deleted, nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		c.Done()
	}()
	return c.Result()
}
