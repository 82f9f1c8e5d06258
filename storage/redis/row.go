package redis

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/storage"
)

// row is the JSON form of a storage.Peer.
type row struct {
	TorrentID    uint32         `json:"torrent_id"`
	UserID       uint32         `json:"user_id"`
	InfoHash     string         `json:"info_hash"`
	PeerID       string         `json:"peer_id"`
	AddrPort     netip.AddrPort `json:"addr"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Credential   string         `json:"credential,omitempty"`
	Uploaded     uint64         `json:"uploaded"`
	Downloaded   uint64         `json:"downloaded"`
	Left         uint64         `json:"left"`
	IsSeeder     bool           `json:"seeder"`
	LastAnnounce int64          `json:"last_announce"`
}

func encodeRow(p *storage.Peer) ([]byte, error) {
	return json.Marshal(row{
		TorrentID:    uint32(p.TorrentID),
		UserID:       uint32(p.UserID),
		InfoHash:     p.InfoHash.String(),
		PeerID:       p.ID.String(),
		AddrPort:     p.AddrPort,
		UserAgent:    p.UserAgent,
		Credential:   p.Credential,
		Uploaded:     p.Uploaded,
		Downloaded:   p.Downloaded,
		Left:         p.Left,
		IsSeeder:     p.IsSeeder,
		LastAnnounce: p.LastAnnounce.UnixNano(),
	})
}

func decodeRow(raw []byte) (*storage.Peer, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode peer row: %w", err)
	}

	ih, err := bittorrent.InfoHashFromHex(r.InfoHash)
	if err != nil {
		return nil, fmt.Errorf("decode peer row: %w", err)
	}
	pid, err := hex.DecodeString(r.PeerID)
	if err != nil || len(pid) != 20 {
		return nil, fmt.Errorf("decode peer row: invalid peer id %q", r.PeerID)
	}

	return &storage.Peer{
		TorrentID: bittorrent.TorrentID(r.TorrentID),
		UserID:    bittorrent.UserID(r.UserID),
		InfoHash:  ih,
		Peer: bittorrent.Peer{
			ID:       bittorrent.PeerIDFromBytes(pid),
			AddrPort: r.AddrPort,
		},
		UserAgent:    r.UserAgent,
		Credential:   r.Credential,
		Uploaded:     r.Uploaded,
		Downloaded:   r.Downloaded,
		Left:         r.Left,
		IsSeeder:     r.IsSeeder,
		LastAnnounce: time.Unix(0, r.LastAnnounce),
	}, nil
}
