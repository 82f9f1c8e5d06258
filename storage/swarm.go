package storage

import (
	"encoding/binary"
	"sort"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/xorshift"
)

// Transition is the effect of one announce on a swarm.
type Transition struct {
	// Row is the row left behind, nil when the announce removes it.
	Row *Peer

	SeedersDelta  int
	LeechersDelta int

	// Snatch is set when the announce counts a new snatch.
	Snatch bool
}

// Plan computes how a changes the swarm given the previous row of the
// announcing user and whether that user already snatched the torrent.
func Plan(prev *Peer, a *Announce, snatched bool) Transition {
	var t Transition

	if a.Event == bittorrent.Stopped {
		if prev != nil {
			t.bump(prev.IsSeeder, -1)
		}
		return t
	}

	row := a.row()
	t.Row = &row
	switch {
	case prev == nil:
		t.bump(row.IsSeeder, 1)
	case prev.IsSeeder != row.IsSeeder:
		t.bump(prev.IsSeeder, -1)
		t.bump(row.IsSeeder, 1)
	}

	t.Snatch = a.Event == bittorrent.Completed && !snatched
	return t
}

func (t *Transition) bump(seeder bool, n int) {
	if seeder {
		t.SeedersDelta += n
		return
	}
	t.LeechersDelta += n
}

// Apply adds a signed delta to an unsigned counter without wrapping below
// zero.
func Apply(counter uint32, delta int) uint32 {
	if delta < 0 && uint32(-delta) > counter {
		return 0
	}
	return uint32(int64(counter) + int64(delta))
}

// SelectPeers picks up to a.NumWant peers from candidates for the announcing
// client.
//
// The requester is never returned. Seeders only receive leechers; leechers
// receive a mix of both. The sample is drawn with a PRNG seeded from the
// request so the same announce at the same instant yields the same peers.
func SelectPeers(candidates []*Peer, a *Announce) (ipv4, ipv6 []bittorrent.Peer) {
	if a.NumWant <= 0 {
		return nil, nil
	}

	eligible := make([]*Peer, 0, len(candidates))
	for _, p := range candidates {
		if p.UserID == a.UserID {
			continue
		}
		if a.IsSeeder() && p.IsSeeder {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// Candidates usually come out of a map; a stable order keeps the sample
	// a function of the seed alone.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].UserID < eligible[j].UserID })

	s0, s1 := entropy(a)
	for _, i := range xorshift.Sample(xorshift.NewXORShift128Plus(s0, s1), len(eligible), a.NumWant) {
		p := eligible[i].Peer
		if p.IsIPv6() {
			ipv6 = append(ipv6, p)
			continue
		}
		ipv4 = append(ipv4, p)
	}
	return ipv4, ipv6
}

// entropy derives PRNG seeds from the infohash, the peer ID and the time of
// an announce.
func entropy(a *Announce) (uint64, uint64) {
	v0 := binary.BigEndian.Uint64(a.InfoHash[:8]) + binary.BigEndian.Uint64(a.InfoHash[8:16])
	v1 := binary.BigEndian.Uint64(a.Peer.ID[:8]) + binary.BigEndian.Uint64(a.Peer.ID[8:16])
	return v0, v1 ^ uint64(a.Now.UnixNano())
}
