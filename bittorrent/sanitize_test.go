package bittorrent

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validRequest() *AnnounceRequest {
	return &AnnounceRequest{
		InfoHash: InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"),
		Peer: Peer{
			ID:       PeerIDFromString("-TEST01-6wfG2wk6wWLc"),
			AddrPort: netip.MustParseAddrPort("[::ffff:10.0.0.1]:6881"),
		},
	}
}

func TestValidateAnnounce(t *testing.T) {
	require.Nil(t, ValidateAnnounce(validRequest()))

	r := validRequest()
	r.InfoHash = InfoHash{}
	require.Equal(t, ErrMissingInfoHash, ValidateAnnounce(r))

	r = validRequest()
	r.ID = PeerID{}
	require.Equal(t, ErrMissingPeerID, ValidateAnnounce(r))

	r = validRequest()
	r.AddrPort = netip.AddrPortFrom(r.Addr(), 0)
	require.Equal(t, ErrInvalidPort, ValidateAnnounce(r))

	r = validRequest()
	r.Missing = []string{"uploaded", "left"}
	err := ValidateAnnounce(r)
	require.Equal(t, MalformedError("failed to parse parameter: uploaded, left"), err)
}

func TestSanitizeAnnounce(t *testing.T) {
	r := validRequest()
	r.UserAgent = strings.Repeat("x", MaxUserAgentLength+10)
	require.Nil(t, SanitizeAnnounce(r, 100, 50))
	require.Equal(t, uint32(50), r.NumWant)
	require.Len(t, r.UserAgent, MaxUserAgentLength)
	require.True(t, r.Addr().Is4(), "IPv4-mapped addresses are unmapped")

	r = validRequest()
	r.NumWantProvided = true
	r.NumWant = 5000
	require.Nil(t, SanitizeAnnounce(r, 100, 50))
	require.Equal(t, uint32(100), r.NumWant)

	r = validRequest()
	r.AddrPort = netip.AddrPortFrom(netip.IPv4Unspecified(), 6881)
	require.Equal(t, ErrInvalidIP, SanitizeAnnounce(r, 100, 50))
}

func TestSanitizeScrape(t *testing.T) {
	r := &ScrapeRequest{InfoHashes: make([]InfoHash, 10)}
	require.Nil(t, SanitizeScrape(r, 3))
	require.Len(t, r.InfoHashes, 3)
}
