// Package storage defines the swarm state store: the authoritative table of
// peers per torrent and the aggregate seeder, leecher and snatch counters
// derived from it.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of SwarmStore.
type Driver interface {
	NewSwarmStore(cfg interface{}) (SwarmStore, error)
}

// ErrResourceDoesNotExist is the error returned when a requested swarm or
// peer is not tracked.
var ErrResourceDoesNotExist = errors.New("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewSwarmStore when a swarm
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("swarm store driver with that name does not exist")

// Peer is the row kept for one (torrent, user) pair.
type Peer struct {
	TorrentID bittorrent.TorrentID
	UserID    bittorrent.UserID
	InfoHash  bittorrent.InfoHash
	bittorrent.Peer

	UserAgent    string
	Credential   string
	Uploaded     uint64
	Downloaded   uint64
	Left         uint64
	IsSeeder     bool
	LastAnnounce time.Time
}

// LogFields renders the row as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"torrentID":    p.TorrentID,
		"userID":       p.UserID,
		"infoHash":     p.InfoHash,
		"peer":         p.Peer,
		"uploaded":     p.Uploaded,
		"downloaded":   p.Downloaded,
		"left":         p.Left,
		"isSeeder":     p.IsSeeder,
		"lastAnnounce": p.LastAnnounce,
	}
}

// Announce is one validated announce applied to a swarm.
type Announce struct {
	TorrentID  bittorrent.TorrentID
	UserID     bittorrent.UserID
	InfoHash   bittorrent.InfoHash
	Peer       bittorrent.Peer
	UserAgent  string
	Credential string
	Event      bittorrent.Event
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Now        time.Time
}

// IsSeeder classifies the announcing peer.
func (a *Announce) IsSeeder() bool { return a.Left == 0 }

// row builds the Peer row the announce leaves behind.
func (a *Announce) row() Peer {
	return Peer{
		TorrentID:    a.TorrentID,
		UserID:       a.UserID,
		InfoHash:     a.InfoHash,
		Peer:         a.Peer,
		UserAgent:    a.UserAgent,
		Credential:   a.Credential,
		Uploaded:     a.Uploaded,
		Downloaded:   a.Downloaded,
		Left:         a.Left,
		IsSeeder:     a.IsSeeder(),
		LastAnnounce: a.Now,
	}
}

// Delta is the raw transfer reported since the previous announce.
type Delta struct {
	Uploaded   uint64
	Downloaded uint64
	// Elapsed is the time since the previous announce, zero without one.
	Elapsed time.Duration
	// Baseline is set when the announce starts a new session baseline and
	// carries no transfer.
	Baseline bool
}

// ComputeDelta derives the raw transfer of a against the previous row.
//
// Counters only grow within a session. If either goes backwards the client
// restarted, and the announce becomes the new baseline. The first announce
// of a pair is always a baseline: there is nothing to subtract its counters
// from, whatever its event.
func ComputeDelta(prev *Peer, a *Announce) Delta {
	if prev == nil {
		return Delta{Baseline: true}
	}

	d := Delta{Elapsed: a.Now.Sub(prev.LastAnnounce)}
	if d.Elapsed < 0 {
		d.Elapsed = 0
	}
	if a.Uploaded < prev.Uploaded || a.Downloaded < prev.Downloaded {
		d.Baseline = true
		return d
	}
	d.Uploaded = a.Uploaded - prev.Uploaded
	d.Downloaded = a.Downloaded - prev.Downloaded
	return d
}

// CheckFunc inspects an announce before it is applied. It runs while the
// swarm is locked; returning an error aborts the announce with no mutation.
// prev is nil for the first announce of a pair.
type CheckFunc func(prev *Peer, d Delta) error

// Snapshot is the state of a swarm right after an announce.
type Snapshot struct {
	Seeders  uint32
	Leechers uint32
	Snatched uint32

	// Peers selected for the announcing client, requester excluded.
	IPv4Peers []bittorrent.Peer
	IPv6Peers []bittorrent.Peer

	Delta    Delta
	Previous *Peer
	// Snatch is set when this announce counted a new snatch.
	Snatch bool
}

// LogFields renders the snapshot as a set of log fields.
func (s Snapshot) LogFields() log.Fields {
	return log.Fields{
		"seeders":    s.Seeders,
		"leechers":   s.Leechers,
		"snatched":   s.Snatched,
		"ipv4Peers":  len(s.IPv4Peers),
		"ipv6Peers":  len(s.IPv6Peers),
		"uploaded":   s.Delta.Uploaded,
		"downloaded": s.Delta.Downloaded,
		"baseline":   s.Delta.Baseline,
		"snatch":     s.Snatch,
	}
}

// SwarmStore is the authoritative per-torrent peer table.
//
// Announces for the same infohash are serialized; announces for different
// infohashes proceed in parallel.
type SwarmStore interface {
	// Announce applies a to its swarm:
	//   - check is run against the previous row and may abort;
	//   - "stopped" removes the row and decrements its bucket once;
	//   - otherwise the row is upserted, a first announce increments its
	//     bucket and a seeder/leecher flip moves it between buckets;
	//   - "completed" counts a snatch once per (torrent, user) lifetime;
	//   - up to a.NumWant peers are selected, never including the requester.
	Announce(ctx context.Context, a *Announce, check CheckFunc) (*Snapshot, error)

	// Scrape returns the counters of a swarm. Unknown swarms yield zeroes.
	Scrape(ctx context.Context, ih bittorrent.InfoHash) (bittorrent.Scrape, error)

	// Peers returns every row of a swarm.
	Peers(ctx context.Context, ih bittorrent.InfoHash) ([]Peer, error)

	// CollectGarbage removes rows whose last announce is before cutoff.
	CollectGarbage(ctx context.Context, cutoff time.Time) error

	// Recount recomputes the seeder and leecher counters from the rows and
	// returns the number of swarms whose counters had drifted.
	Recount(ctx context.Context) (int, error)

	// stop is an interface that expects a Stop method to stop the
	// SwarmStore.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewSwarmStore attempts to initialize a new SwarmStore with given a name
// from the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewSwarmStore(name string, cfg interface{}) (SwarmStore, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewSwarmStore(cfg)
}
