package http

import (
	"errors"
	"net/http"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/frontend/http/bencode"
	"github.com/chihaya/warden/pkg/log"
)

// WriteError communicates an error to a BitTorrent client over HTTP.
//
// Only a bittorrent.ClientError has its reason sent to the client; anything
// else is logged and reported as an internal server error.
func WriteError(w http.ResponseWriter, err error) error {
	message := "internal server error"
	var clientErr bittorrent.ClientError
	if errors.As(err, &clientErr) {
		message = clientErr.Reason
	} else {
		log.Error("http: internal error", log.Err(err))
	}

	writeHeader(w)
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": bencode.String(message),
	})
}

// WriteAnnounceResponse communicates the results of an Announce to a
// BitTorrent client over HTTP.
//
// Compact responses carry IPv4 peers in "peers" and IPv6 peers in "peers6".
// Non-compact responses list every peer under "peers".
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	writeHeader(w)
	return bencode.NewEncoder(w).Encode(announceDict(resp))
}

func announceDict(resp *bittorrent.AnnounceResponse) bencode.Dict {
	bdict := bencode.Dict{
		"complete":     bencode.Uint(uint64(resp.Complete)),
		"incomplete":   bencode.Uint(uint64(resp.Incomplete)),
		"downloaded":   bencode.Uint(uint64(resp.Snatches)),
		"interval":     bencode.Seconds(resp.Interval),
		"min interval": bencode.Seconds(resp.MinInterval),
	}

	if resp.Compact {
		IPv4CompactDict := make([]byte, 0, 6*len(resp.IPv4Peers))
		for _, peer := range resp.IPv4Peers {
			IPv4CompactDict = compact4(IPv4CompactDict, peer)
		}
		bdict["peers"] = bencode.Bytes(IPv4CompactDict)

		if len(resp.IPv6Peers) > 0 {
			IPv6CompactDict := make([]byte, 0, 18*len(resp.IPv6Peers))
			for _, peer := range resp.IPv6Peers {
				IPv6CompactDict = compact6(IPv6CompactDict, peer)
			}
			bdict["peers6"] = bencode.Bytes(IPv6CompactDict)
		}
		return bdict
	}

	peers := make(bencode.List, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	for _, peer := range resp.IPv4Peers {
		peers = append(peers, dict(peer, resp.NoPeerID))
	}
	for _, peer := range resp.IPv6Peers {
		peers = append(peers, dict(peer, resp.NoPeerID))
	}
	bdict["peers"] = peers

	return bdict
}

// WriteScrapeResponse communicates the results of a Scrape to a BitTorrent
// client over HTTP.
func WriteScrapeResponse(w http.ResponseWriter, resp *bittorrent.ScrapeResponse) error {
	filesDict := bencode.NewDict()
	for _, scrape := range resp.Files {
		filesDict[scrape.InfoHash.RawString()] = bencode.Dict{
			"complete":   bencode.Uint(uint64(scrape.Complete)),
			"incomplete": bencode.Uint(uint64(scrape.Incomplete)),
			"downloaded": bencode.Uint(uint64(scrape.Snatches)),
		}
	}

	writeHeader(w)
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"files": filesDict,
	})
}

func writeHeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

func compact4(buf []byte, peer bittorrent.Peer) []byte {
	ip := peer.Addr().Unmap()
	if !ip.Is4() {
		panic("non-IPv4 IP for Peer in IPv4Peers")
	}
	a := ip.As4()
	buf = append(buf, a[:]...)
	return append(buf, byte(peer.Port()>>8), byte(peer.Port()))
}

func compact6(buf []byte, peer bittorrent.Peer) []byte {
	if !peer.IsIPv6() {
		panic("non-IPv6 IP for Peer in IPv6Peers")
	}
	a := peer.Addr().As16()
	buf = append(buf, a[:]...)
	return append(buf, byte(peer.Port()>>8), byte(peer.Port()))
}

func dict(peer bittorrent.Peer, noPeerID bool) bencode.Dict {
	d := bencode.Dict{
		"ip":   bencode.String(peer.Addr().Unmap().String()),
		"port": bencode.Uint(uint64(peer.Port())),
	}
	if !noPeerID {
		d["peer id"] = bencode.String(peer.ID.RawString())
	}
	return d
}
