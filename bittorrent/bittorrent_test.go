package bittorrent

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var peerIDTable = []struct {
	name   string
	peerID [20]byte
	raw    string
	hex    string
}{
	{"empty", [20]byte{}, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "0000000000000000000000000000000000000000"},
	{"real", [20]byte{0x41, 0x5a, 0x32, 0x35, 0x30, 0x30, 0x42, 0x54, 0x65, 0x59, 0x55, 0x7a, 0x79, 0x61, 0x62, 0x41, 0x66, 0x6f, 0x36, 0x55}, "\x41\x5a\x32\x35\x30\x30\x42\x54\x65\x59\x55\x7a\x79\x61\x62\x41\x66\x6f\x36\x55", "415a3235303042546559557a79616241666f3655"},
}

func TestPeerIDString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.hex, PeerID(tt.peerID).String())
		})
	}
}

func TestPeerIDFromString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.peerID, [20]byte(PeerIDFromString(tt.raw)))
			require.Equal(t, tt.raw, PeerID(tt.peerID).RawString())
		})
	}
}

func TestClientID(t *testing.T) {
	var table = []struct {
		peerID   string
		clientID string
	}{
		{"-AZ3034-6wfG2wk6wWLc", "AZ3034"},
		{"-qB4250-abcdefghijkl", "qB4250"},
		{"M7-3-0--abcdefghijkl", "M7-3-0"},
	}

	for _, tt := range table {
		cid := PeerIDFromString(tt.peerID).ClientID()
		require.Equal(t, tt.clientID, string(cid[:]))
	}
}

func TestInfoHashFromHex(t *testing.T) {
	ih := InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")
	parsed, err := InfoHashFromHex(ih.String())
	require.Nil(t, err)
	require.Equal(t, ih, parsed)

	_, err = InfoHashFromHex("abc")
	require.NotNil(t, err)
	require.True(t, InfoHash{}.IsZero())
}

func TestPeerAddressFamily(t *testing.T) {
	v4 := Peer{AddrPort: netip.MustParseAddrPort("1.2.3.4:6881")}
	v6 := Peer{AddrPort: netip.MustParseAddrPort("[fc00::1]:6881")}
	mapped := Peer{AddrPort: netip.MustParseAddrPort("[::ffff:1.2.3.4]:6881")}

	require.False(t, v4.IsIPv6())
	require.True(t, v6.IsIPv6())
	require.False(t, mapped.IsIPv6())
	require.True(t, v4.Equal(Peer{AddrPort: v4.AddrPort}))
	require.False(t, v4.EqualEndpoint(v6))
}

func TestClientErrorKinds(t *testing.T) {
	var err error = RateLimitedError("slow down")
	ce, ok := err.(ClientError)
	require.True(t, ok)
	require.Equal(t, RateLimited, ce.Kind)
	require.Equal(t, "slow down", err.Error())
	require.Equal(t, "unauthorized", Unauthorized.String())
}
