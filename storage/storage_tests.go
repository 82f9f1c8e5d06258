package storage

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
)

var suiteEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func suiteInfoHash(n byte) bittorrent.InfoHash {
	var ih bittorrent.InfoHash
	ih[0], ih[19] = n, 0xAA
	return ih
}

func suitePeer(uid bittorrent.UserID, v6 bool) bittorrent.Peer {
	var id bittorrent.PeerID
	copy(id[:], "-WD0001-")
	id[18], id[19] = byte(uid>>8), byte(uid)

	addr := netip.AddrFrom4([4]byte{10, 0, byte(uid >> 8), byte(uid)})
	if v6 {
		addr = netip.AddrFrom16([16]byte{0x20, 0x01, 0x0d, 0xb8, 14: byte(uid >> 8), 15: byte(uid)})
	}
	return bittorrent.Peer{ID: id, AddrPort: netip.AddrPortFrom(addr, 6881)}
}

func suiteAnnounce(ih bittorrent.InfoHash, uid bittorrent.UserID, ev bittorrent.Event, up, down, left uint64, at time.Duration) *Announce {
	return &Announce{
		TorrentID:  bittorrent.TorrentID(ih[0]),
		UserID:     uid,
		InfoHash:   ih,
		Peer:       suitePeer(uid, false),
		UserAgent:  "warden-suite/1.0",
		Credential: "suite",
		Event:      ev,
		Uploaded:   up,
		Downloaded: down,
		Left:       left,
		NumWant:    50,
		Now:        suiteEpoch.Add(at),
	}
}

func mustAnnounce(t *testing.T, s SwarmStore, a *Announce) *Snapshot {
	t.Helper()
	snap, err := s.Announce(context.Background(), a, nil)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func requireCounts(t *testing.T, s SwarmStore, ih bittorrent.InfoHash, seeders, leechers, snatched uint32) {
	t.Helper()
	sc, err := s.Scrape(context.Background(), ih)
	require.NoError(t, err)
	require.Equal(t, seeders, sc.Complete, "seeders")
	require.Equal(t, leechers, sc.Incomplete, "leechers")
	require.Equal(t, snatched, sc.Snatches, "snatched")
}

func containsUser(peers []bittorrent.Peer, uid bittorrent.UserID) bool {
	want := suitePeer(uid, false)
	want6 := suitePeer(uid, true)
	for _, p := range peers {
		if p.Equal(want) || p.Equal(want6) {
			return true
		}
	}
	return false
}

// TestSwarmStore tests a SwarmStore implementation against the interface.
// Every subtest works on its own infohash. The store is stopped at the end.
func TestSwarmStore(t *testing.T, s SwarmStore) {
	ctx := context.Background()

	t.Run("UnknownSwarm", func(t *testing.T) {
		ih := suiteInfoHash(1)
		requireCounts(t, s, ih, 0, 0, 0)
		_, err := s.Peers(ctx, ih)
		require.ErrorIs(t, err, ErrResourceDoesNotExist)
	})

	t.Run("SeederReannounceCreditsUpload", func(t *testing.T) {
		ih := suiteInfoHash(2)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 100, 0))
		snap := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 100, 0, time.Minute))
		require.True(t, snap.Snatch)
		require.Equal(t, uint64(100), snap.Delta.Downloaded)
		requireCounts(t, s, ih, 1, 0, 1)

		snap = mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 1<<20, 100, 0, time.Minute+30*time.Second))
		require.Equal(t, uint32(1), snap.Seeders)
		require.Equal(t, uint32(0), snap.Leechers)
		require.Equal(t, uint64(1<<20), snap.Delta.Uploaded)
		require.Equal(t, uint64(0), snap.Delta.Downloaded)
		require.Equal(t, 30*time.Second, snap.Delta.Elapsed)
		require.False(t, snap.Delta.Baseline)
		require.NotNil(t, snap.Previous)
		require.True(t, snap.Previous.IsSeeder)
		requireCounts(t, s, ih, 1, 0, 1)
	})

	t.Run("StoppedDecrementsOnce", func(t *testing.T) {
		ih := suiteInfoHash(3)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 0))
		mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Started, 0, 0, 10, 0))
		requireCounts(t, s, ih, 0, 2, 0)

		snap := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Stopped, 5, 5, 5, time.Minute))
		require.Empty(t, snap.IPv4Peers)
		require.Empty(t, snap.IPv6Peers)
		require.Equal(t, uint64(5), snap.Delta.Uploaded)
		requireCounts(t, s, ih, 0, 1, 0)

		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Stopped, 5, 5, 5, 2*time.Minute))
		requireCounts(t, s, ih, 0, 1, 0)

		peers, err := s.Peers(ctx, ih)
		require.NoError(t, err)
		require.Len(t, peers, 1)
		require.Equal(t, bittorrent.UserID(2), peers[0].UserID)
	})

	t.Run("CompletedCountsOncePerUser", func(t *testing.T) {
		ih := suiteInfoHash(4)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 0))
		first := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 10, 0, time.Minute))
		require.True(t, first.Snatch)
		again := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 10, 0, 2*time.Minute))
		require.False(t, again.Snatch)
		requireCounts(t, s, ih, 1, 0, 1)

		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Stopped, 0, 10, 0, 3*time.Minute))
		requireCounts(t, s, ih, 0, 0, 1)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 4*time.Minute))
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 10, 0, 5*time.Minute))
		requireCounts(t, s, ih, 1, 0, 1)

		mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Completed, 0, 10, 0, 5*time.Minute))
		requireCounts(t, s, ih, 2, 0, 2)
	})

	t.Run("LeecherBecomesSeeder", func(t *testing.T) {
		ih := suiteInfoHash(5)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 0))
		requireCounts(t, s, ih, 0, 1, 0)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 0, 10, 0, time.Minute))
		requireCounts(t, s, ih, 1, 0, 0)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 0, 10, 3, 2*time.Minute))
		requireCounts(t, s, ih, 0, 1, 0)
	})

	t.Run("DeltaBaselines", func(t *testing.T) {
		ih := suiteInfoHash(6)
		snap := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 500, 500, 10, 0))
		require.True(t, snap.Delta.Baseline)
		require.Zero(t, snap.Delta.Uploaded)
		require.Nil(t, snap.Previous)

		snap = mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Started, 7, 9, 10, 0))
		require.True(t, snap.Delta.Baseline)
		require.Zero(t, snap.Delta.Uploaded)
		require.Zero(t, snap.Delta.Downloaded)

		// A stopped row is gone, so the next started announce of the pair
		// is a baseline again.
		mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Stopped, 8, 9, 10, time.Second))
		snap = mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Started, 1<<40, 9, 10, 2*time.Second))
		require.True(t, snap.Delta.Baseline)
		require.Zero(t, snap.Delta.Uploaded)

		// Client restart: uploaded goes backwards.
		snap = mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 100, 900, 10, time.Minute))
		require.True(t, snap.Delta.Baseline)
		require.Zero(t, snap.Delta.Uploaded)
		require.Zero(t, snap.Delta.Downloaded)

		snap = mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 150, 950, 10, 2*time.Minute))
		require.Equal(t, uint64(50), snap.Delta.Uploaded)
		require.Equal(t, uint64(50), snap.Delta.Downloaded)
	})

	t.Run("PeerSelection", func(t *testing.T) {
		ih := suiteInfoHash(7)
		for uid := bittorrent.UserID(1); uid <= 4; uid++ {
			mustAnnounce(t, s, suiteAnnounce(ih, uid, bittorrent.Started, 0, 0, 0, 0))
		}
		for uid := bittorrent.UserID(5); uid <= 8; uid++ {
			a := suiteAnnounce(ih, uid, bittorrent.Started, 0, 0, 10, 0)
			if uid == 8 {
				a.Peer = suitePeer(uid, true)
			}
			mustAnnounce(t, s, a)
		}
		requireCounts(t, s, ih, 4, 4, 0)

		seeder := mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.None, 0, 0, 0, time.Minute))
		require.Len(t, seeder.IPv4Peers, 3)
		require.Len(t, seeder.IPv6Peers, 1)
		all := append(seeder.IPv4Peers, seeder.IPv6Peers...)
		for uid := bittorrent.UserID(1); uid <= 4; uid++ {
			require.False(t, containsUser(all, uid), "seeder got seeder %d", uid)
		}

		leecher := mustAnnounce(t, s, suiteAnnounce(ih, 5, bittorrent.None, 0, 0, 10, time.Minute))
		all = append(leecher.IPv4Peers, leecher.IPv6Peers...)
		require.Len(t, all, 7)
		require.False(t, containsUser(all, 5))

		a := suiteAnnounce(ih, 6, bittorrent.None, 0, 0, 10, time.Minute)
		a.NumWant = 2
		limited := mustAnnounce(t, s, a)
		require.Len(t, append(limited.IPv4Peers, limited.IPv6Peers...), 2)

		a = suiteAnnounce(ih, 6, bittorrent.None, 0, 0, 10, 2*time.Minute)
		a.NumWant = 0
		none := mustAnnounce(t, s, a)
		require.Empty(t, none.IPv4Peers)
		require.Empty(t, none.IPv6Peers)
	})

	t.Run("CheckAbortsWithoutMutation", func(t *testing.T) {
		ih := suiteInfoHash(8)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 0))

		errTooSoon := errors.New("too soon")
		var seen *Peer
		_, err := s.Announce(ctx, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 10, 0, time.Minute), func(prev *Peer, d Delta) error {
			seen = prev
			require.Equal(t, uint64(10), d.Downloaded)
			return errTooSoon
		})
		require.ErrorIs(t, err, errTooSoon)
		require.NotNil(t, seen)
		require.Equal(t, uint64(10), seen.Left)
		requireCounts(t, s, ih, 0, 1, 0)

		_, err = s.Announce(ctx, suiteAnnounce(ih, 2, bittorrent.Started, 0, 0, 10, 0), func(prev *Peer, _ Delta) error {
			require.Nil(t, prev)
			return errTooSoon
		})
		require.ErrorIs(t, err, errTooSoon)
		requireCounts(t, s, ih, 0, 1, 0)

		peers, err := s.Peers(ctx, ih)
		require.NoError(t, err)
		require.Len(t, peers, 1)
		require.Equal(t, uint64(10), peers[0].Left)
		require.True(t, peers[0].LastAnnounce.Equal(suiteEpoch))
	})

	t.Run("CollectGarbage", func(t *testing.T) {
		ih := suiteInfoHash(9)
		mustAnnounce(t, s, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 0, 0))
		mustAnnounce(t, s, suiteAnnounce(ih, 2, bittorrent.Started, 0, 0, 10, 0))
		mustAnnounce(t, s, suiteAnnounce(ih, 3, bittorrent.Started, 0, 0, 10, time.Hour))
		requireCounts(t, s, ih, 1, 2, 0)

		require.NoError(t, s.CollectGarbage(ctx, suiteEpoch.Add(time.Minute)))
		requireCounts(t, s, ih, 0, 1, 0)

		peers, err := s.Peers(ctx, ih)
		require.NoError(t, err)
		require.Len(t, peers, 1)
		require.Equal(t, bittorrent.UserID(3), peers[0].UserID)
	})

	t.Run("ConcurrentAnnounces", func(t *testing.T) {
		ih := suiteInfoHash(10)
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for uid := bittorrent.UserID(1); uid <= 20; uid++ {
			wg.Add(1)
			go func(uid bittorrent.UserID) {
				defer wg.Done()
				_, err := s.Announce(ctx, suiteAnnounce(ih, uid, bittorrent.Started, 0, 0, uint64(uid%2), 0), nil)
				errs <- err
			}(uid)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		requireCounts(t, s, ih, 10, 10, 0)
	})

	t.Run("RandomEventSequences", func(t *testing.T) {
		ih := suiteInfoHash(11)
		rng := rand.New(rand.NewSource(42))
		events := []bittorrent.Event{bittorrent.None, bittorrent.Started, bittorrent.Completed, bittorrent.Stopped}

		rows := make(map[bittorrent.UserID]bool) // user -> seeder
		snatchers := make(map[bittorrent.UserID]bool)
		for i := 0; i < 200; i++ {
			uid := bittorrent.UserID(rng.Intn(6) + 1)
			ev := events[rng.Intn(len(events))]
			left := uint64(rng.Intn(2) * 10)
			if ev == bittorrent.Completed {
				left = 0
			}

			snap := mustAnnounce(t, s, suiteAnnounce(ih, uid, ev, uint64(i), uint64(i), left, time.Duration(i)*time.Second))

			if ev == bittorrent.Stopped {
				delete(rows, uid)
			} else {
				rows[uid] = left == 0
			}
			if ev == bittorrent.Completed {
				require.Equal(t, !snatchers[uid], snap.Snatch)
				snatchers[uid] = true
			}

			var seeders, leechers uint32
			for _, seeder := range rows {
				if seeder {
					seeders++
				} else {
					leechers++
				}
			}
			require.Equal(t, seeders, snap.Seeders, "step %d", i)
			require.Equal(t, leechers, snap.Leechers, "step %d", i)
			require.Equal(t, uint32(len(snatchers)), snap.Snatched, "step %d", i)
		}
	})

	t.Run("RecountFindsNoDrift", func(t *testing.T) {
		drifted, err := s.Recount(ctx)
		require.NoError(t, err)
		require.Zero(t, drifted)
	})

	e := s.Stop()
	require.Nil(t, e.Wait())
}
