package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
)

func TestComputeDelta(t *testing.T) {
	prev := &Peer{Uploaded: 100, Downloaded: 50, LastAnnounce: suiteEpoch}

	table := []struct {
		name string
		prev *Peer
		a    *Announce
		want Delta
	}{
		{"first regular announce", nil, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.None, 10, 20, 0, 0), Delta{Baseline: true}},
		{"first started announce", nil, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.Started, 10, 20, 0, 0), Delta{Baseline: true}},
		{"growth", prev, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.None, 150, 70, 0, time.Minute), Delta{Uploaded: 50, Downloaded: 20, Elapsed: time.Minute}},
		{"upload went backwards", prev, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.None, 99, 70, 0, time.Minute), Delta{Elapsed: time.Minute, Baseline: true}},
		{"download went backwards", prev, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.None, 150, 0, 0, time.Minute), Delta{Elapsed: time.Minute, Baseline: true}},
		{"stopped is credited", prev, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.Stopped, 200, 50, 0, time.Minute), Delta{Uploaded: 100, Elapsed: time.Minute}},
		{"clock went backwards", prev, suiteAnnounce(suiteInfoHash(1), 1, bittorrent.None, 100, 50, 0, -time.Minute), Delta{}},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ComputeDelta(tt.prev, tt.a))
		})
	}
}

func TestPlan(t *testing.T) {
	ih := suiteInfoHash(1)
	leecher := &Peer{IsSeeder: false}
	seeder := &Peer{IsSeeder: true}

	table := []struct {
		name              string
		prev              *Peer
		a                 *Announce
		snatched          bool
		seeders, leechers int
		removed, snatch   bool
	}{
		{"new leecher", nil, suiteAnnounce(ih, 1, bittorrent.Started, 0, 0, 10, 0), false, 0, 1, false, false},
		{"new seeder", nil, suiteAnnounce(ih, 1, bittorrent.None, 0, 0, 0, 0), false, 1, 0, false, false},
		{"leecher update", leecher, suiteAnnounce(ih, 1, bittorrent.None, 0, 0, 10, 0), false, 0, 0, false, false},
		{"leecher completes", leecher, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 0, 0, 0), false, 1, -1, false, true},
		{"repeated completion", seeder, suiteAnnounce(ih, 1, bittorrent.Completed, 0, 0, 0, 0), true, 0, 0, false, false},
		{"seeder stops", seeder, suiteAnnounce(ih, 1, bittorrent.Stopped, 0, 0, 0, 0), false, -1, 0, true, false},
		{"unknown stops", nil, suiteAnnounce(ih, 1, bittorrent.Stopped, 0, 0, 0, 0), false, 0, 0, true, false},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.prev, tt.a, tt.snatched)
			require.Equal(t, tt.seeders, got.SeedersDelta)
			require.Equal(t, tt.leechers, got.LeechersDelta)
			require.Equal(t, tt.removed, got.Row == nil)
			require.Equal(t, tt.snatch, got.Snatch)
		})
	}
}

func TestApplyDoesNotWrap(t *testing.T) {
	require.Equal(t, uint32(0), Apply(0, -1))
	require.Equal(t, uint32(2), Apply(3, -1))
	require.Equal(t, uint32(4), Apply(3, 1))
}

func TestSelectPeersIsDeterministic(t *testing.T) {
	ih := suiteInfoHash(1)
	var candidates []*Peer
	for uid := bittorrent.UserID(1); uid <= 30; uid++ {
		a := suiteAnnounce(ih, uid, bittorrent.None, 0, 0, 10, 0)
		row := a.row()
		candidates = append(candidates, &row)
	}

	a := suiteAnnounce(ih, 1, bittorrent.None, 0, 0, 10, time.Second)
	a.NumWant = 5
	first, _ := SelectPeers(candidates, a)
	// Reversed input order must not change the sample.
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	second, _ := SelectPeers(candidates, a)

	require.Len(t, first, 5)
	require.Equal(t, first, second)
	require.False(t, containsUser(first, 1))
}
