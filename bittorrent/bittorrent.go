// Package bittorrent implements all of the abstractions used to decouple the
// protocol of a BitTorrent tracker from the logic of handling Announces and
// Scrapes.
package bittorrent

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/chihaya/warden/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String implements fmt.Stringer, returning a string of hex encoded bytes.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// RawString returns the bytes of a PeerID interpreted as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// ClientID represents the part of a PeerID that identifies a Peer's client
// software.
type ClientID [6]byte

// ClientID returns the client-identifying section of a PeerID.
//
// Azureus-style IDs ("-qB4250-…") yield the six bytes after the dash.
func (p PeerID) ClientID() ClientID {
	var cid ClientID
	if p[0] == '-' {
		copy(cid[:], p[1:7])
	} else {
		copy(cid[:], p[:6])
	}
	return cid
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// InfoHashFromHex parses a 40 character hex string into an InfoHash.
func InfoHashFromHex(s string) (InfoHash, error) {
	var ih InfoHash
	if len(s) != 40 {
		return ih, fmt.Errorf("infohash %q must be 40 hex characters", s)
	}
	if _, err := hex.Decode(ih[:], []byte(s)); err != nil {
		return ih, err
	}
	return ih, nil
}

// String implements fmt.Stringer, returning the base16 encoded InfoHash.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}

// IsZero reports whether no infohash was provided.
func (i InfoHash) IsZero() bool {
	return i == InfoHash{}
}

// UserID identifies a site user.
type UserID uint32

// TorrentID identifies a torrent in the torrent directory.
type TorrentID uint32

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	// Credential is the secret taken from the announce URL path.
	Credential string
	// UserAgent is the HTTP User-Agent header, bounded to MaxUserAgentLength.
	UserAgent string
	// Key is the optional opaque client key.
	Key string

	Event           Event
	InfoHash        InfoHash
	Compact         bool
	NoPeerID        bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	// Missing lists required parameters absent from the query.
	Missing []string

	Peer
	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":           r.Event,
		"infoHash":        r.InfoHash,
		"compact":         r.Compact,
		"eventProvided":   r.EventProvided,
		"numWantProvided": r.NumWantProvided,
		"ipProvided":      r.IPProvided,
		"numWant":         r.NumWant,
		"left":            r.Left,
		"downloaded":      r.Downloaded,
		"uploaded":        r.Uploaded,
		"peer":            r.Peer,
		"userAgent":       r.UserAgent,
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	NoPeerID    bool
	Complete    uint32
	Incomplete  uint32
	Snatches    uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"compact":     r.Compact,
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"snatches":    r.Snatches,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"ipv4Peers":   len(r.IPv4Peers),
		"ipv6Peers":   len(r.IPv6Peers),
	}
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	Credential string
	InfoHashes []InfoHash
	Params     Params
}

// LogFields renders the current request as a set of log fields.
func (r ScrapeRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHashes": r.InfoHashes,
	}
}

// ScrapeResponse represents the parameters used to create a scrape response.
//
// The Scrapes must be in the same order as the InfoHashes in the corresponding
// ScrapeRequest.
type ScrapeResponse struct {
	Files []Scrape
}

// LogFields renders the current response as a set of log fields.
func (sr ScrapeResponse) LogFields() log.Fields {
	return log.Fields{
		"files": sr.Files,
	}
}

// Scrape represents the state of a swarm that is returned in a scrape response.
type Scrape struct {
	InfoHash   InfoHash
	Snatches   uint32
	Complete   uint32
	Incomplete uint32
}

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	ID       PeerID
	AddrPort netip.AddrPort
}

// String implements fmt.Stringer for a human-friendly representation of a
// Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.AddrPort)
}

// Addr returns the IP address of the Peer.
func (p Peer) Addr() netip.Addr {
	return p.AddrPort.Addr()
}

// Port returns the port of the Peer.
func (p Peer) Port() uint16 {
	return p.AddrPort.Port()
}

// IsIPv6 reports whether the Peer announced from a native IPv6 address.
func (p Peer) IsIPv6() bool {
	a := p.AddrPort.Addr()
	return a.Is6() && !a.Is4In6()
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   p.ID,
		"ip":   p.Addr(),
		"port": p.Port(),
	}
}

// Equal reports whether p and x are the same.
func (p Peer) Equal(x Peer) bool { return p.EqualEndpoint(x) && p.ID == x.ID }

// EqualEndpoint reports whether p and x have the same endpoint.
func (p Peer) EqualEndpoint(x Peer) bool {
	return p.AddrPort == x.AddrPort
}

// ErrorKind classifies a ClientError for metrics and logging.
type ErrorKind uint8

const (
	// Malformed is a request with missing or invalid parameters.
	Malformed ErrorKind = iota
	// Unauthorized is a bad or revoked credential or a banned client.
	Unauthorized
	// RateLimited is an announce sent faster than the enforced interval.
	RateLimited
)

// String implements fmt.Stringer for an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate limited"
	}
	return "unknown"
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
//
// Any error that is not a ClientError is treated as internal and never
// reaches the wire.
type ClientError struct {
	Kind   ErrorKind
	Reason string
}

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return c.Reason }

// MalformedError returns a ClientError of kind Malformed.
func MalformedError(reason string) ClientError {
	return ClientError{Kind: Malformed, Reason: reason}
}

// UnauthorizedError returns a ClientError of kind Unauthorized.
func UnauthorizedError(reason string) ClientError {
	return ClientError{Kind: Unauthorized, Reason: reason}
}

// RateLimitedError returns a ClientError of kind RateLimited.
func RateLimitedError(reason string) ClientError {
	return ClientError{Kind: RateLimited, Reason: reason}
}
