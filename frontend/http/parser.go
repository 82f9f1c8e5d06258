package http

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/warden/bittorrent"
)

// ParseOptions is the configuration used to parse an Announce Request.
//
// If AllowIPSpoofing is true, IPs provided via BitTorrent params will be used.
// If RealIPHeader is not empty string, the value of the first HTTP Header with
// that name will be used.
// DefaultCompact decides the peer list format when a client omits "compact".
type ParseOptions struct {
	AllowIPSpoofing     bool   `yaml:"allow_ip_spoofing"`
	RealIPHeader        string `yaml:"real_ip_header"`
	MaxNumWant          uint32 `yaml:"max_numwant"`
	DefaultNumWant      uint32 `yaml:"default_numwant"`
	MaxScrapeInfoHashes uint32 `yaml:"max_scrape_infohashes"`
	DefaultCompact      bool   `yaml:"default_compact"`
}

// Default parser config constants.
const (
	defaultMaxNumWant          uint32 = 100
	defaultDefaultNumWant      uint32 = 50
	defaultMaxScrapeInfoHashes uint32 = 50
)

// ParseAnnounce parses a bittorrent.AnnounceRequest from an http.Request.
//
// Absent or unparsable required parameters are collected into
// AnnounceRequest.Missing rather than failing here, so that the tracker logic
// can decide in which order to report problems.
func ParseAnnounce(r *http.Request, ps httprouter.Params, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.AnnounceRequest{
		Params:     qp,
		Credential: ps.ByName("credential"),
		UserAgent:  r.UserAgent(),
	}

	// Attempt to parse the event from the request.
	var eventStr string
	eventStr, request.EventProvided = qp.String("event")
	request.Event, err = bittorrent.NewEvent(eventStr)
	if err != nil {
		return nil, bittorrent.MalformedError("failed to provide valid client event")
	}

	// Determine if the client expects a compact response.
	if compactStr, ok := qp.String("compact"); ok {
		request.Compact = compactStr != "" && compactStr != "0"
	} else {
		request.Compact = opts.DefaultCompact
	}

	noPeerIDStr, _ := qp.String("no_peer_id")
	request.NoPeerID = noPeerIDStr != "" && noPeerIDStr != "0"

	request.Key, _ = qp.String("key")

	// Parse the infohash from the request.
	infoHashes := qp.InfoHashes()
	if len(infoHashes) > 1 {
		return nil, bittorrent.MalformedError("multiple info_hash parameters supplied")
	}
	if len(infoHashes) == 1 {
		request.InfoHash = infoHashes[0]
	}

	// Parse the PeerID from the request. A missing or malformed peer_id
	// leaves the zero PeerID, which fails validation.
	if peerID, ok := qp.String("peer_id"); ok && len(peerID) == 20 {
		request.Peer.ID = bittorrent.PeerIDFromString(peerID)
	}

	// Determine the number of remaining, downloaded and shared bytes.
	for _, field := range []struct {
		key string
		dst *uint64
	}{
		{"left", &request.Left},
		{"downloaded", &request.Downloaded},
		{"uploaded", &request.Uploaded},
	} {
		v, err := qp.Uint64(field.key)
		if err != nil {
			request.Missing = append(request.Missing, field.key)
			continue
		}
		*field.dst = v
	}

	// Determine the number of peers the client wants in the response.
	numwant, err := qp.Uint64("numwant")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.MalformedError("failed to parse parameter: numwant")
	}
	// If there were no errors, the user actually provided the numwant.
	request.NumWantProvided = err == nil
	if numwant > uint64(^uint32(0)) {
		numwant = uint64(^uint32(0))
	}
	request.NumWant = uint32(numwant)

	// Parse the port where the client is listening.
	port, err := qp.Uint64("port")
	if err != nil || port > 65535 {
		request.Missing = append(request.Missing, "port")
		port = 0
	}

	// Parse the IP address where the client is listening.
	var ip netip.Addr
	ip, request.IPProvided = requestedIP(r, qp, opts)
	request.Peer.AddrPort = netip.AddrPortFrom(ip, uint16(port))

	if err := bittorrent.SanitizeAnnounce(request, opts.MaxNumWant, opts.DefaultNumWant); err != nil {
		return nil, err
	}

	return request, nil
}

// ParseScrape parses a bittorrent.ScrapeRequest from an http.Request.
func ParseScrape(r *http.Request, ps httprouter.Params, opts ParseOptions) (*bittorrent.ScrapeRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ErrMissingInfoHash
	}

	request := &bittorrent.ScrapeRequest{
		Credential: ps.ByName("credential"),
		InfoHashes: infoHashes,
		Params:     qp,
	}

	if err := bittorrent.SanitizeScrape(request, opts.MaxScrapeInfoHashes); err != nil {
		return nil, err
	}

	return request, nil
}

// requestedIP determines the IP address for a BitTorrent client request.
func requestedIP(r *http.Request, p bittorrent.Params, opts ParseOptions) (ip netip.Addr, provided bool) {
	if opts.AllowIPSpoofing {
		for _, key := range []string{"ip", "ipv4", "ipv6"} {
			if ipstr, ok := p.String(key); ok {
				ip, _ = netip.ParseAddr(ipstr)
				return ip, true
			}
		}
	}

	if opts.RealIPHeader != "" {
		if ipstr := r.Header.Get(opts.RealIPHeader); ipstr != "" {
			ip, _ = netip.ParseAddr(ipstr)
			return ip, false
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, _ = netip.ParseAddr(host)
	return ip, false
}
