// Package memory implements the storage interface for a warden BitTorrent
// tracker keeping swarms in memory.
package memory

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/storage"
)

// Name is the name by which this swarm store is registered with warden.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                = 1024
	defaultGarbageCollectionInterval = time.Minute * 3
	defaultRecountInterval           = time.Hour
	defaultPeerLifetime              = time.Minute * 30
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

// Config holds the configuration of a memory SwarmStore.
type Config struct {
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	RecountInterval           time.Duration `yaml:"recount_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	ShardCount                int           `yaml:"shard_count"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":            Name,
		"gcInterval":      cfg.GarbageCollectionInterval,
		"recountInterval": cfg.RecountInterval,
		"peerLifetime":    cfg.PeerLifetime,
		"shardCount":      cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

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

	return validcfg
}

// New creates a new SwarmStore backed by memory.
func New(provided Config) (storage.SwarmStore, error) {
	cfg := provided.Validate()
	ss := &swarmStore{
		cfg:    cfg,
		shards: make([]*swarmShard, cfg.ShardCount),
		closed: make(chan struct{}),
	}

	for i := range ss.shards {
		ss.shards[i] = &swarmShard{swarms: make(map[bittorrent.InfoHash]*swarm)}
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

type swarmShard struct {
	swarms map[bittorrent.InfoHash]*swarm
	sync.RWMutex
}

// swarm holds one row per user. The counters are maintained incrementally
// and must always equal the number of rows in each bucket.
type swarm struct {
	peers      map[bittorrent.UserID]*storage.Peer
	seeders    uint32
	leechers   uint32
	snatched   uint32
	snatchedBy map[bittorrent.UserID]struct{}
}

func newSwarm() *swarm {
	return &swarm{
		peers:      make(map[bittorrent.UserID]*storage.Peer),
		snatchedBy: make(map[bittorrent.UserID]struct{}),
	}
}

// empty reports whether the swarm holds nothing worth keeping. Swarms with
// snatches survive so the snatch count does not reset.
func (s *swarm) empty() bool {
	return len(s.peers) == 0 && s.snatched == 0
}

func (s *swarm) apply(t storage.Transition) {
	s.seeders = storage.Apply(s.seeders, t.SeedersDelta)
	s.leechers = storage.Apply(s.leechers, t.LeechersDelta)
}

func (s *swarm) scrape(ih bittorrent.InfoHash) bittorrent.Scrape {
	return bittorrent.Scrape{
		InfoHash:   ih,
		Complete:   s.seeders,
		Incomplete: s.leechers,
		Snatches:   s.snatched,
	}
}

type swarmStore struct {
	cfg    Config
	shards []*swarmShard
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.SwarmStore = &swarmStore{}

func (ss *swarmStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ss.shards))
}

func (ss *swarmStore) panicIfClosed() {
	select {
	case <-ss.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (ss *swarmStore) Announce(_ context.Context, a *storage.Announce, check storage.CheckFunc) (*storage.Snapshot, error) {
	ss.panicIfClosed()

	shard := ss.shards[ss.shardIndex(a.InfoHash)]
	shard.Lock()
	defer shard.Unlock()

	sw, tracked := shard.swarms[a.InfoHash]

	var prev *storage.Peer
	if tracked {
		if p, ok := sw.peers[a.UserID]; ok {
			cp := *p
			prev = &cp
		}
	}

	delta := storage.ComputeDelta(prev, a)
	if check != nil {
		if err := check(prev, delta); err != nil {
			return nil, err
		}
	}

	var snatched bool
	if tracked {
		_, snatched = sw.snatchedBy[a.UserID]
	}
	t := storage.Plan(prev, a, snatched)

	snap := &storage.Snapshot{Delta: delta, Previous: prev, Snatch: t.Snatch}
	if !tracked {
		if t.Row == nil {
			// A stop from a peer we never saw.
			return snap, nil
		}
		sw = newSwarm()
		shard.swarms[a.InfoHash] = sw
		storage.PromInfohashesCount.Inc()
	}

	if t.Row == nil {
		delete(sw.peers, a.UserID)
	} else {
		sw.peers[a.UserID] = t.Row
	}
	sw.apply(t)
	if t.Snatch {
		sw.snatched++
		sw.snatchedBy[a.UserID] = struct{}{}
	}
	storage.RecordTransition(t)

	snap.Seeders, snap.Leechers, snap.Snatched = sw.seeders, sw.leechers, sw.snatched

	if t.Row != nil {
		candidates := make([]*storage.Peer, 0, len(sw.peers))
		for _, p := range sw.peers {
			candidates = append(candidates, p)
		}
		snap.IPv4Peers, snap.IPv6Peers = storage.SelectPeers(candidates, a)
	}

	if sw.empty() {
		delete(shard.swarms, a.InfoHash)
		storage.PromInfohashesCount.Dec()
	}

	return snap, nil
}

func (ss *swarmStore) Scrape(_ context.Context, ih bittorrent.InfoHash) (bittorrent.Scrape, error) {
	ss.panicIfClosed()

	shard := ss.shards[ss.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return bittorrent.Scrape{InfoHash: ih}, nil
	}
	return sw.scrape(ih), nil
}

func (ss *swarmStore) Peers(_ context.Context, ih bittorrent.InfoHash) ([]storage.Peer, error) {
	ss.panicIfClosed()

	shard := ss.shards[ss.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	peers := make([]storage.Peer, 0, len(sw.peers))
	for _, p := range sw.peers {
		peers = append(peers, *p)
	}
	return peers, nil
}

// CollectGarbage deletes all rows from the SwarmStore which are older than
// the cutoff time.
//
// Shards are locked one at a time so announces to other shards keep
// flowing.
func (ss *swarmStore) CollectGarbage(ctx context.Context, cutoff time.Time) error {
	ss.panicIfClosed()
	start := time.Now()

	for _, shard := range ss.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		shard.Lock()
		for ih, sw := range shard.swarms {
			for uid, p := range sw.peers {
				if !p.LastAnnounce.Before(cutoff) {
					continue
				}
				delete(sw.peers, uid)
				t := storage.Transition{}
				if p.IsSeeder {
					t.SeedersDelta = -1
				} else {
					t.LeechersDelta = -1
				}
				sw.apply(t)
				storage.RecordTransition(t)
			}

			if sw.empty() {
				delete(shard.swarms, ih)
				storage.PromInfohashesCount.Dec()
			}
		}
		shard.Unlock()
	}

	storage.RecordGCDuration(time.Since(start))
	return nil
}

// Recount recomputes every counter from the rows.
func (ss *swarmStore) Recount(ctx context.Context) (int, error) {
	ss.panicIfClosed()

	var drifted int
	for _, shard := range ss.shards {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}

		shard.Lock()
		for ih, sw := range shard.swarms {
			var seeders, leechers uint32
			for _, p := range sw.peers {
				if p.IsSeeder {
					seeders++
				} else {
					leechers++
				}
			}
			if seeders == sw.seeders && leechers == sw.leechers {
				continue
			}

			log.Warn("storage: swarm counters drifted", log.Fields{
				"infoHash":         ih,
				"countedSeeders":   seeders,
				"countedLeechers":  leechers,
				"recordedSeeders":  sw.seeders,
				"recordedLeechers": sw.leechers,
			})
			sw.seeders, sw.leechers = seeders, leechers
			storage.PromRecountDriftTotal.Inc()
			drifted++
		}
		shard.Unlock()
	}

	return drifted, nil
}

// Stop stops the background loops and releases all swarms. Any further
// call panics.
func (ss *swarmStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ss.closed)
		ss.wg.Wait()

		for _, shard := range ss.shards {
			shard.Lock()
			shard.swarms = make(map[bittorrent.InfoHash]*swarm)
			shard.Unlock()
		}
		c.Done()
	}()
	return c.Result()
}
