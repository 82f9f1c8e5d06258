// Package redis implements the storage interface for a warden BitTorrent
// tracker keeping swarms in Redis.
//
// Each swarm is three keys:
//
//	<prefix>swarm:<infohash>:peers    hash of user ID to JSON row
//	<prefix>swarm:<infohash>:counts   hash with seeders, leechers, snatched
//	<prefix>swarm:<infohash>:snatched set of user IDs that completed
//
// and <prefix>swarms is the set of tracked infohashes. Announces to one
// swarm are serialized by a redsync mutex named after the infohash; writes
// are applied inside MULTI/EXEC.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redigolib "github.com/gomodule/redigo/redis"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/redisconn"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/storage"
)

// Name is the name by which this swarm store is registered with warden.
const Name = "redis"

// Default config constants.
const (
	defaultGarbageCollectionInterval = time.Minute * 3
	defaultRecountInterval           = time.Hour
	defaultPeerLifetime              = time.Minute * 30
	defaultLockExpiry                = 8 * time.Second
	defaultLockTries                 = 32
)

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewSwarmStore(icfg interface{}) (storage.SwarmStore, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a redis SwarmStore.
type Config struct {
	redisconn.Config          `yaml:",inline"`
	KeyPrefix                 string        `yaml:"key_prefix"`
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	RecountInterval           time.Duration `yaml:"recount_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	LockExpiry                time.Duration `yaml:"lock_expiry"`
	LockTries                 int           `yaml:"lock_tries"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"redisBroker":         cfg.Broker,
		"redisReadTimeout":    cfg.ReadTimeout,
		"redisWriteTimeout":   cfg.WriteTimeout,
		"redisConnectTimeout": cfg.ConnectTimeout,
		"keyPrefix":           cfg.KeyPrefix,
		"gcInterval":          cfg.GarbageCollectionInterval,
		"recountInterval":     cfg.RecountInterval,
		"peerLifetime":        cfg.PeerLifetime,
		"lockExpiry":          cfg.LockExpiry,
		"lockTries":           cfg.LockTries,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".GarbageCollectionInterval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.RecountInterval <= 0 {
		validcfg.RecountInterval = defaultRecountInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RecountInterval",
			"provided": cfg.RecountInterval,
			"default":  validcfg.RecountInterval,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	if cfg.LockExpiry <= 0 {
		validcfg.LockExpiry = defaultLockExpiry
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LockExpiry",
			"provided": cfg.LockExpiry,
			"default":  validcfg.LockExpiry,
		})
	}

	if cfg.LockTries <= 0 {
		validcfg.LockTries = defaultLockTries
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LockTries",
			"provided": cfg.LockTries,
			"default":  validcfg.LockTries,
		})
	}

	return validcfg
}

// New creates a new SwarmStore backed by redis.
func New(provided Config) (storage.SwarmStore, error) {
	cfg := provided.Validate()

	rb, err := redisconn.New(cfg.Config)
	if err != nil {
		return nil, err
	}

	ss := &swarmStore{
		cfg:    cfg,
		rb:     rb,
		closed: make(chan struct{}),
	}

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		gc := time.NewTicker(cfg.GarbageCollectionInterval)
		defer gc.Stop()
		recount := time.NewTicker(cfg.RecountInterval)
		defer recount.Stop()
		for {
			select {
			case <-ss.closed:
				return
			case <-gc.C:
				before := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("storage: purging peers with no announces since", log.Fields{"before": before})
				if err := ss.CollectGarbage(context.Background(), before); err != nil {
					log.Error("storage: garbage collection failed", log.Err(err))
				}
			case <-recount.C:
				if _, err := ss.Recount(context.Background()); err != nil {
					log.Error("storage: recount failed", log.Err(err))
				}
			}
		}
	}()

	return ss, nil
}

type swarmStore struct {
	cfg    Config
	rb     *redisconn.Backend
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.SwarmStore = &swarmStore{}

func (ss *swarmStore) panicIfClosed() {
	select {
	case <-ss.closed:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

func (ss *swarmStore) swarmsKey() string { return ss.cfg.KeyPrefix + "swarms" }

func (ss *swarmStore) key(ih bittorrent.InfoHash, suffix string) string {
	return ss.cfg.KeyPrefix + "swarm:" + ih.String() + ":" + suffix
}

// lock acquires the mutex serializing announces to ih.
func (ss *swarmStore) lock(ctx context.Context, ih bittorrent.InfoHash) (*redsync.Mutex, error) {
	m := ss.rb.Redsync.NewMutex(ss.key(ih, "lock"),
		redsync.WithExpiry(ss.cfg.LockExpiry),
		redsync.WithTries(ss.cfg.LockTries),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock swarm %s: %w", ih, err)
	}
	return m, nil
}

func unlock(ctx context.Context, m *redsync.Mutex) {
	if _, err := m.UnlockContext(ctx); err != nil {
		log.Warn("storage: failed to release swarm lock", log.Err(err))
	}
}

func (ss *swarmStore) Announce(ctx context.Context, a *storage.Announce, check storage.CheckFunc) (*storage.Snapshot, error) {
	ss.panicIfClosed()

	m, err := ss.lock(ctx, a.InfoHash)
	if err != nil {
		return nil, err
	}
	defer unlock(ctx, m)

	conn, err := ss.rb.Pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	peersKey := ss.key(a.InfoHash, "peers")
	countsKey := ss.key(a.InfoHash, "counts")
	snatchedKey := ss.key(a.InfoHash, "snatched")
	field := strconv.FormatUint(uint64(a.UserID), 10)

	var prev *storage.Peer
	raw, err := redigolib.Bytes(conn.Do("HGET", peersKey, field))
	switch {
	case err == redigolib.ErrNil:
	case err != nil:
		return nil, err
	default:
		if prev, err = decodeRow(raw); err != nil {
			return nil, err
		}
	}

	delta := storage.ComputeDelta(prev, a)
	if check != nil {
		if err := check(prev, delta); err != nil {
			return nil, err
		}
	}

	snatched, err := redigolib.Bool(conn.Do("SISMEMBER", snatchedKey, field))
	if err != nil {
		return nil, err
	}
	t := storage.Plan(prev, a, snatched)

	snap := &storage.Snapshot{Delta: delta, Previous: prev, Snatch: t.Snatch}
	if prev == nil && t.Row == nil {
		return snap, ss.fillCounts(conn, a.InfoHash, snap)
	}

	if err := conn.Send("MULTI"); err != nil {
		return nil, err
	}
	if t.Row == nil {
		_ = conn.Send("HDEL", peersKey, field)
	} else {
		encoded, err := encodeRow(t.Row)
		if err != nil {
			return nil, err
		}
		_ = conn.Send("HSET", peersKey, field, encoded)
		_ = conn.Send("SADD", ss.swarmsKey(), a.InfoHash.String())
	}
	if t.SeedersDelta != 0 {
		_ = conn.Send("HINCRBY", countsKey, "seeders", t.SeedersDelta)
	}
	if t.LeechersDelta != 0 {
		_ = conn.Send("HINCRBY", countsKey, "leechers", t.LeechersDelta)
	}
	if t.Snatch {
		_ = conn.Send("SADD", snatchedKey, field)
		_ = conn.Send("HINCRBY", countsKey, "snatched", 1)
		_ = conn.Send("SADD", ss.swarmsKey(), a.InfoHash.String())
	}
	if _, err := conn.Do("EXEC"); err != nil {
		return nil, err
	}
	storage.RecordTransition(t)

	if err := ss.fillCounts(conn, a.InfoHash, snap); err != nil {
		return nil, err
	}

	if t.Row != nil {
		rows, err := ss.rows(conn, a.InfoHash)
		if err != nil {
			return nil, err
		}
		candidates := make([]*storage.Peer, len(rows))
		for i := range rows {
			candidates[i] = &rows[i]
		}
		snap.IPv4Peers, snap.IPv6Peers = storage.SelectPeers(candidates, a)
		return snap, nil
	}

	return snap, ss.dropIfEmpty(conn, a.InfoHash)
}

// fillCounts copies the counters of ih into snap.
func (ss *swarmStore) fillCounts(conn redigolib.Conn, ih bittorrent.InfoHash, snap *storage.Snapshot) error {
	sc, err := ss.counts(conn, ih)
	if err != nil {
		return err
	}
	snap.Seeders, snap.Leechers, snap.Snatched = sc.Complete, sc.Incomplete, sc.Snatches
	return nil
}

func (ss *swarmStore) counts(conn redigolib.Conn, ih bittorrent.InfoHash) (bittorrent.Scrape, error) {
	reply, err := redigolib.Values(conn.Do("HMGET", ss.key(ih, "counts"), "seeders", "leechers", "snatched"))
	if err != nil {
		return bittorrent.Scrape{}, err
	}

	vals := make([]int64, len(reply))
	for i, v := range reply {
		if v == nil {
			continue
		}
		if vals[i], err = redigolib.Int64(v, nil); err != nil {
			return bittorrent.Scrape{}, err
		}
	}
	return bittorrent.Scrape{
		InfoHash:   ih,
		Complete:   clamp(vals[0]),
		Incomplete: clamp(vals[1]),
		Snatches:   clamp(vals[2]),
	}, nil
}

// clamp converts a Redis counter, which missing fields and drift can leave
// at or below zero, into a count.
func clamp(v int64) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(v)
}

func (ss *swarmStore) rows(conn redigolib.Conn, ih bittorrent.InfoHash) ([]storage.Peer, error) {
	raws, err := redigolib.ByteSlices(conn.Do("HVALS", ss.key(ih, "peers")))
	if err != nil {
		return nil, err
	}
	rows := make([]storage.Peer, 0, len(raws))
	for _, raw := range raws {
		p, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, *p)
	}
	return rows, nil
}

// dropIfEmpty forgets a swarm with no rows and no snatches. The caller must
// hold the swarm lock.
func (ss *swarmStore) dropIfEmpty(conn redigolib.Conn, ih bittorrent.InfoHash) error {
	n, err := redigolib.Int(conn.Do("HLEN", ss.key(ih, "peers")))
	if err != nil || n > 0 {
		return err
	}
	snatched, err := redigolib.Int(conn.Do("SCARD", ss.key(ih, "snatched")))
	if err != nil || snatched > 0 {
		return err
	}

	_ = conn.Send("MULTI")
	_ = conn.Send("DEL", ss.key(ih, "peers"), ss.key(ih, "counts"))
	_ = conn.Send("SREM", ss.swarmsKey(), ih.String())
	_, err = conn.Do("EXEC")
	return err
}

func (ss *swarmStore) Scrape(ctx context.Context, ih bittorrent.InfoHash) (bittorrent.Scrape, error) {
	ss.panicIfClosed()

	conn, err := ss.rb.Pool.GetContext(ctx)
	if err != nil {
		return bittorrent.Scrape{}, err
	}
	defer conn.Close()

	return ss.counts(conn, ih)
}

func (ss *swarmStore) Peers(ctx context.Context, ih bittorrent.InfoHash) ([]storage.Peer, error) {
	ss.panicIfClosed()

	conn, err := ss.rb.Pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := ss.rows(conn, ih)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrResourceDoesNotExist
	}
	return rows, nil
}

// swarms lists every tracked infohash.
func (ss *swarmStore) swarms(ctx context.Context) ([]bittorrent.InfoHash, error) {
	conn, err := ss.rb.Pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	members, err := redigolib.Strings(conn.Do("SMEMBERS", ss.swarmsKey()))
	if err != nil {
		return nil, err
	}

	ihs := make([]bittorrent.InfoHash, 0, len(members))
	for _, m := range members {
		ih, err := bittorrent.InfoHashFromHex(m)
		if err != nil {
			log.Warn("storage: skipping invalid swarm key", log.Fields{"member": m}, log.Err(err))
			continue
		}
		ihs = append(ihs, ih)
	}
	storage.PromInfohashesCount.Set(float64(len(ihs)))
	return ihs, nil
}

// forEachSwarm runs fn with each swarm locked in turn.
func (ss *swarmStore) forEachSwarm(ctx context.Context, fn func(redigolib.Conn, bittorrent.InfoHash) error) error {
	ihs, err := ss.swarms(ctx)
	if err != nil {
		return err
	}

	for _, ih := range ihs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ss.withSwarm(ctx, ih, fn); err != nil {
			return err
		}
	}
	return nil
}

func (ss *swarmStore) withSwarm(ctx context.Context, ih bittorrent.InfoHash, fn func(redigolib.Conn, bittorrent.InfoHash) error) error {
	m, err := ss.lock(ctx, ih)
	if err != nil {
		return err
	}
	defer unlock(ctx, m)

	conn, err := ss.rb.Pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(conn, ih)
}

// CollectGarbage deletes all rows from the SwarmStore which are older than
// the cutoff time.
func (ss *swarmStore) CollectGarbage(ctx context.Context, cutoff time.Time) error {
	ss.panicIfClosed()
	start := time.Now()

	err := ss.forEachSwarm(ctx, func(conn redigolib.Conn, ih bittorrent.InfoHash) error {
		rows, err := ss.rows(conn, ih)
		if err != nil {
			return err
		}

		var t storage.Transition
		var stale []interface{}
		for _, p := range rows {
			if !p.LastAnnounce.Before(cutoff) {
				continue
			}
			stale = append(stale, strconv.FormatUint(uint64(p.UserID), 10))
			if p.IsSeeder {
				t.SeedersDelta--
			} else {
				t.LeechersDelta--
			}
		}

		if len(stale) > 0 {
			_ = conn.Send("MULTI")
			_ = conn.Send("HDEL", append([]interface{}{ss.key(ih, "peers")}, stale...)...)
			_ = conn.Send("HINCRBY", ss.key(ih, "counts"), "seeders", t.SeedersDelta)
			_ = conn.Send("HINCRBY", ss.key(ih, "counts"), "leechers", t.LeechersDelta)
			if _, err := conn.Do("EXEC"); err != nil {
				return err
			}
			storage.RecordTransition(t)
		}

		return ss.dropIfEmpty(conn, ih)
	})

	storage.RecordGCDuration(time.Since(start))
	return err
}

// Recount recomputes every counter from the rows.
func (ss *swarmStore) Recount(ctx context.Context) (int, error) {
	ss.panicIfClosed()

	var drifted int
	err := ss.forEachSwarm(ctx, func(conn redigolib.Conn, ih bittorrent.InfoHash) error {
		rows, err := ss.rows(conn, ih)
		if err != nil {
			return err
		}
		recorded, err := ss.counts(conn, ih)
		if err != nil {
			return err
		}

		var seeders, leechers uint32
		for _, p := range rows {
			if p.IsSeeder {
				seeders++
			} else {
				leechers++
			}
		}
		if seeders == recorded.Complete && leechers == recorded.Incomplete {
			return nil
		}

		log.Warn("storage: swarm counters drifted", log.Fields{
			"infoHash":         ih,
			"countedSeeders":   seeders,
			"countedLeechers":  leechers,
			"recordedSeeders":  recorded.Complete,
			"recordedLeechers": recorded.Incomplete,
		})
		if _, err := conn.Do("HMSET", ss.key(ih, "counts"), "seeders", seeders, "leechers", leechers); err != nil {
			return err
		}
		storage.PromRecountDriftTotal.Inc()
		drifted++
		return nil
	})
	return drifted, err
}

// Stop stops the background loops and closes the connection pool. Any
// further call panics.
func (ss *swarmStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ss.closed)
		ss.wg.Wait()
		c.Done(ss.rb.Close())
	}()
	return c.Result()
}
