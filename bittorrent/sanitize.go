package bittorrent

import (
	"net/netip"
	"strings"

	"github.com/chihaya/warden/pkg/log"
)

// MaxUserAgentLength bounds the user agent stored with a peer.
const MaxUserAgentLength = 128

// ErrInvalidIP indicates an invalid IP for an Announce.
var ErrInvalidIP = MalformedError("invalid IP")

// ErrInvalidPort indicates an invalid Port for an Announce.
var ErrInvalidPort = MalformedError("invalid port")

// ErrMissingInfoHash indicates an Announce without an info_hash.
var ErrMissingInfoHash = MalformedError("no info_hash parameter supplied")

// ErrMissingPeerID indicates an Announce without a peer_id.
var ErrMissingPeerID = MalformedError("failed to provide valid peer_id")

// ValidateAnnounce checks that every required announce parameter was
// supplied: info_hash, peer_id, a non-zero port, uploaded, downloaded and left.
func ValidateAnnounce(r *AnnounceRequest) error {
	if r.InfoHash.IsZero() {
		return ErrMissingInfoHash
	}

	if r.ID == (PeerID{}) {
		return ErrMissingPeerID
	}

	if len(r.Missing) > 0 {
		return MalformedError("failed to parse parameter: " + strings.Join(r.Missing, ", "))
	}

	if r.Port() == 0 {
		return ErrInvalidPort
	}

	return nil
}

// SanitizeAnnounce enforces a max and default NumWant, bounds the user agent
// and coerces the peer's IP address into the proper format.
func SanitizeAnnounce(r *AnnounceRequest, maxNumWant, defaultNumWant uint32) error {
	if !r.NumWantProvided {
		r.NumWant = defaultNumWant
	} else if r.NumWant > maxNumWant {
		r.NumWant = maxNumWant
	}

	if len(r.UserAgent) > MaxUserAgentLength {
		r.UserAgent = r.UserAgent[:MaxUserAgentLength]
	}

	r.AddrPort = netip.AddrPortFrom(r.AddrPort.Addr().Unmap(), r.AddrPort.Port())
	if !r.AddrPort.Addr().IsValid() || r.AddrPort.Addr().IsUnspecified() {
		return ErrInvalidIP
	}

	log.Debug("sanitized announce", r, log.Fields{
		"maxNumWant":     maxNumWant,
		"defaultNumWant": defaultNumWant,
	})
	return nil
}

// SanitizeScrape enforces a max number of infohashes for a single scrape
// request.
func SanitizeScrape(r *ScrapeRequest, maxScrapeInfoHashes uint32) error {
	if len(r.InfoHashes) > int(maxScrapeInfoHashes) {
		r.InfoHashes = r.InfoHashes[:maxScrapeInfoHashes]
	}

	log.Debug("sanitized scrape", r, log.Fields{
		"maxScrapeInfoHashes": maxScrapeInfoHashes,
	})
	return nil
}
