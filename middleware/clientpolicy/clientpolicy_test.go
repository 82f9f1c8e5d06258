package clientpolicy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/settings"
)

func newHook(t *testing.T, banned ...settings.BannedClient) middleware.Hook {
	sp, err := settings.NewStatic(settings.Settings{BannedClients: banned})
	require.NoError(t, err)
	return New(sp)
}

func announce(userAgent, peerID string) *bittorrent.AnnounceRequest {
	req := &bittorrent.AnnounceRequest{UserAgent: userAgent}
	req.Peer.ID = bittorrent.PeerIDFromString(peerID)
	return req
}

func TestHandleAnnounce(t *testing.T) {
	h := newHook(t,
		settings.BannedClient{Prefix: "BitComet", Reason: "BitComet is not allowed"},
		settings.BannedClient{Prefix: "-XL0", Reason: "Xunlei is not allowed"},
		settings.BannedClient{Prefix: "-qB4250-"},
	)

	table := []struct {
		name      string
		userAgent string
		peerID    string
		reason    string
	}{
		{"clean client", "qBittorrent/4.6.2", "-qB4620-000000000000", ""},
		{"banned user agent", "BitComet/1.92", "-BC0192-000000000000", "BitComet is not allowed"},
		{"banned peer id", "Transmission/4.0", "-XL0012-000000000000", "Xunlei is not allowed"},
		{"match is case sensitive", "bitcomet/1.92", "-BC0192-000000000000", ""},
		{"default reason", "qBittorrent/4.2.5", "-qB4250-000000000000", DefaultReason},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleAnnounce(context.Background(), announce(tt.userAgent, tt.peerID), &bittorrent.AnnounceResponse{})
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}

			var ce bittorrent.ClientError
			require.True(t, errors.As(err, &ce))
			require.Equal(t, bittorrent.Unauthorized, ce.Kind)
			require.Equal(t, tt.reason, ce.Reason)
		})
	}
}

func TestLongestPrefixWins(t *testing.T) {
	h := newHook(t,
		settings.BannedClient{Prefix: "-qB", Reason: "old qBittorrent"},
		settings.BannedClient{Prefix: "-qB4250-", Reason: "qBittorrent 4.2.5 leaks stats"},
	)

	_, err := h.HandleAnnounce(context.Background(), announce("", "-qB4250-000000000000"), &bittorrent.AnnounceResponse{})
	require.EqualError(t, err, "qBittorrent 4.2.5 leaks stats")
}

// liveSettings is a Provider whose snapshot can be replaced.
type liveSettings struct {
	atomic.Pointer[settings.Settings]
}

func (l *liveSettings) Settings() *settings.Settings { return l.Load() }

func TestDriverReadsLiveSettings(t *testing.T) {
	live := &liveSettings{}
	live.Store(&settings.Settings{})

	h, err := middleware.New(Name, nil, middleware.Env{Settings: live})
	require.NoError(t, err)

	req := announce("BitComet/2.0", "-BC0200-000000000000")
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)

	live.Store(&settings.Settings{BannedClients: []settings.BannedClient{{Prefix: "BitComet", Reason: "reloaded"}}})
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.EqualError(t, err, "reloaded")
}

func TestDriverExtraBannedClients(t *testing.T) {
	live := &liveSettings{}
	live.Store(&settings.Settings{BannedClients: []settings.BannedClient{{Prefix: "-XL0", Reason: "site"}}})

	h, err := middleware.New(Name, []byte("banned_clients:\n- prefix: BitComet\n  reason: nope\n"), middleware.Env{Settings: live})
	require.NoError(t, err)

	_, err = h.HandleAnnounce(context.Background(), announce("BitComet/2.0", "-BC0200-000000000000"), &bittorrent.AnnounceResponse{})
	require.EqualError(t, err, "nope")
	_, err = h.HandleAnnounce(context.Background(), announce("", "-XL0012-000000000000"), &bittorrent.AnnounceResponse{})
	require.EqualError(t, err, "site")

	_, err = middleware.New(Name, nil, middleware.Env{})
	require.Error(t, err)
}
