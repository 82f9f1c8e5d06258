// Package anticheat implements the checks run against every announce before
// it is applied to a swarm: announce frequency, per-user announce rate,
// transfer speed plausibility, multi-location seeding and IP changes.
//
// Each check either passes or raises a Flag. The configured policy decides
// whether a flag rejects the announce, clamps its credited transfer, or is
// only logged. Every flag is persisted as a CheatLog and counts against the
// user's unresolved warnings; reaching the auto-ban threshold escalates once.
package anticheat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
	"github.com/chihaya/warden/storage"
)

// Default config constants.
const (
	defaultShardCount    = 256
	defaultStateTTL      = 2 * time.Hour
	defaultPruneInterval = 10 * time.Minute
)

// rateWindow is the span over which the per-user announce rate is measured.
const rateWindow = time.Minute

// Config holds the configuration of an Engine.
type Config struct {
	ShardCount    int           `yaml:"shard_count"`
	StateTTL      time.Duration `yaml:"state_ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"shardCount":    cfg.ShardCount,
		"stateTTL":      cfg.StateTTL,
		"pruneInterval": cfg.PruneInterval,
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
			"name":     "anticheat.ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.StateTTL <= 0 {
		validcfg.StateTTL = defaultStateTTL
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "anticheat.StateTTL",
			"provided": cfg.StateTTL,
			"default":  validcfg.StateTTL,
		})
	}

	if cfg.PruneInterval <= 0 {
		validcfg.PruneInterval = defaultPruneInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "anticheat.PruneInterval",
			"provided": cfg.PruneInterval,
			"default":  validcfg.PruneInterval,
		})
	}

	return validcfg
}

// Flag is a single detection raised by a check.
type Flag struct {
	Type     collab.DetectionType
	Severity collab.Severity
	Action   settings.Action
	Details  string
}

// LogFields renders the flag as a set of log fields.
func (f Flag) LogFields() log.Fields {
	return log.Fields{
		"type":     f.Type,
		"severity": f.Severity,
		"action":   f.Action,
		"details":  f.Details,
	}
}

// Verdict is the outcome of the checks for an announce that may proceed.
type Verdict struct {
	Flags []Flag
	// Clamp is set when the announce must not be credited any transfer.
	Clamp bool
}

// userState is what the engine remembers about one user.
type userState struct {
	recent     []time.Time
	unresolved int
	lastSeen   time.Time
	// lastLog is the most recent cheat log, referenced by the escalation.
	lastLog uuid.UUID
	// escalated is set once the ban service accepted an escalation for the
	// current run of unresolved warnings.
	escalated bool
}

type userShard struct {
	users map[bittorrent.UserID]*userState
	sync.Mutex
}

// Engine evaluates announces. Per-user state is sharded; a shard lock is
// only ever taken while the caller already holds the torrent's swarm lock,
// never the other way around.
type Engine struct {
	cfg       Config
	settings  settings.Provider
	sink      collab.CheatLogSink
	escalator collab.Escalator
	clock     timecache.Clock

	shards  []*userShard
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ stop.Stopper = &Engine{}

// NewEngine creates an Engine and starts pruning idle user state.
//
// sink and escalator are called on the announce path and must not block;
// wrap them with collab.AsyncCheatLogSink and collab.AsyncEscalator.
func NewEngine(provided Config, sp settings.Provider, sink collab.CheatLogSink, esc collab.Escalator, clock timecache.Clock) *Engine {
	cfg := provided.Validate()
	e := &Engine{
		cfg:       cfg,
		settings:  sp,
		sink:      sink,
		escalator: esc,
		clock:     clock,
		shards:    make([]*userShard, cfg.ShardCount),
		closing:   make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &userShard{users: make(map[bittorrent.UserID]*userState)}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(cfg.PruneInterval)
		defer t.Stop()
		for {
			select {
			case <-e.closing:
				return
			case <-t.C:
				e.Prune(e.clock.Now().Add(-cfg.StateTTL))
			}
		}
	}()

	return e
}

func (e *Engine) shard(userID bittorrent.UserID) *userShard {
	return e.shards[uint32(userID)%uint32(len(e.shards))]
}

// Evaluate runs every check against a, the previous row of the same user on
// the same torrent, and the transfer since that row.
//
// Every check runs and every flag is recorded. When one or more flags
// reject, the first rejection is returned as a ClientError.
func (e *Engine) Evaluate(ctx context.Context, a *storage.Announce, prev *storage.Peer, d storage.Delta) (Verdict, error) {
	s := e.settings.Settings()

	shard := e.shard(a.UserID)
	shard.Lock()
	defer shard.Unlock()

	st, ok := shard.users[a.UserID]
	if !ok {
		st = &userState{}
		shard.users[a.UserID] = st
	}
	st.lastSeen = a.Now
	rate := st.observe(a.Now)

	// A pending escalation that could not be submitted earlier is retried
	// on the user's next announce.
	e.escalate(ctx, s, a.UserID, st)

	var v Verdict
	var rejected error
	apply := func(f *Flag) {
		if f == nil {
			return
		}
		e.raise(ctx, s, a, st, *f)
		v.Flags = append(v.Flags, *f)
		switch f.Action {
		case settings.ActionReject:
			if rejected == nil {
				rejected = rejection(s, *f)
			}
		case settings.ActionClamp:
			v.Clamp = true
		}
	}

	apply(checkFrequency(s, a, prev))
	apply(checkAnnounceRate(s, rate))
	apply(checkSpeed(s, prev, d))
	location := checkMultiLocation(s, a, prev)
	apply(location)
	if location == nil {
		apply(checkIPChange(s, a, prev))
	}

	return v, rejected
}

// observe records an announce at now and returns the number of announces in
// the trailing rate window.
func (st *userState) observe(now time.Time) int {
	cutoff := now.Add(-rateWindow)
	kept := st.recent[:0]
	for _, t := range st.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.recent = append(kept, now)
	return len(st.recent)
}

func rejection(s *settings.Settings, f Flag) error {
	if f.Type == collab.DetectionFrequency {
		return bittorrent.RateLimitedError("announce interval too short, minimum is " + s.EnforcedMinAnnounceInterval.String())
	}
	return bittorrent.UnauthorizedError("announce rejected: " + string(f.Type))
}

// raise persists a flag and escalates when the user reaches the auto-ban
// threshold. The shard of st must be locked.
func (e *Engine) raise(ctx context.Context, s *settings.Settings, a *storage.Announce, st *userState, f Flag) {
	cl := collab.CheatLog{
		ID:            uuid.New(),
		UserID:        a.UserID,
		TorrentID:     a.TorrentID,
		DetectionType: f.Type,
		Severity:      f.Severity,
		IP:            a.Peer.Addr(),
		Timestamp:     a.Now,
		Details:       f.Details,
	}
	log.Info("anticheat: flagged announce", cl, f)
	promFlagsTotal.WithLabelValues(string(f.Type), string(f.Action)).Inc()

	if err := e.sink.Append(ctx, cl); err != nil {
		log.Error("anticheat: failed to append cheat log", cl, log.Err(err))
	}

	st.unresolved++
	st.lastLog = cl.ID
	e.escalate(ctx, s, a.UserID, st)
}

// escalate notifies the ban service once per run of unresolved warnings
// that reached the auto-ban threshold. A failed call leaves the escalation
// pending. The shard of st must be locked.
func (e *Engine) escalate(ctx context.Context, s *settings.Settings, userID bittorrent.UserID, st *userState) {
	if st.escalated || s.AutoBanAfterCheatWarnings <= 0 || st.unresolved < s.AutoBanAfterCheatWarnings {
		return
	}

	fields := log.Fields{
		"userID":     userID,
		"warnings":   st.unresolved,
		"cheatLogID": st.lastLog,
	}
	if err := e.escalator.Escalate(ctx, userID, st.lastLog); err != nil {
		log.Error("anticheat: failed to escalate", fields, log.Err(err))
		return
	}
	log.Warn("anticheat: escalated user", fields)
	promEscalationsTotal.Inc()
	st.escalated = true
}

// Warnings returns the number of unresolved flags of a user.
func (e *Engine) Warnings(userID bittorrent.UserID) int {
	shard := e.shard(userID)
	shard.Lock()
	defer shard.Unlock()

	if st, ok := shard.users[userID]; ok {
		return st.unresolved
	}
	return 0
}

// ResetWarnings clears the unresolved flags of a user once moderation has
// processed them. A later flag can escalate again.
func (e *Engine) ResetWarnings(userID bittorrent.UserID) {
	shard := e.shard(userID)
	shard.Lock()
	defer shard.Unlock()

	if st, ok := shard.users[userID]; ok {
		st.unresolved = 0
		st.escalated = false
	}
}

// Prune forgets users idle since before that have no unresolved warnings.
func (e *Engine) Prune(before time.Time) {
	var pruned int
	for _, shard := range e.shards {
		shard.Lock()
		for uid, st := range shard.users {
			if st.unresolved == 0 && st.lastSeen.Before(before) {
				delete(shard.users, uid)
				pruned++
			}
		}
		shard.Unlock()
	}
	log.Debug("anticheat: pruned idle users", log.Fields{"pruned": pruned, "before": before})
}

// Stop stops the pruning loop.
func (e *Engine) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(e.closing)
		e.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
