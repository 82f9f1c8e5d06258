package varinterval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/middleware"
)

var configTests = []struct {
	cfg      Config
	expected error
}{
	{
		cfg:      Config{0.5, 60, true},
		expected: nil,
	}, {
		cfg:      Config{1.0, 60, true},
		expected: nil,
	}, {
		cfg:      Config{0.0, 60, true},
		expected: ErrInvalidModifyResponseProbability,
	}, {
		cfg:      Config{1.1, 60, true},
		expected: ErrInvalidModifyResponseProbability,
	}, {
		cfg:      Config{0.5, 0, true},
		expected: ErrInvalidMaxIncreaseDelta,
	}, {
		cfg:      Config{0.5, -10, true},
		expected: ErrInvalidMaxIncreaseDelta,
	},
}

func TestCheckConfig(t *testing.T) {
	for _, tt := range configTests {
		t.Run(fmt.Sprintf("%#v", tt.cfg), func(t *testing.T) {
			got := checkConfig(tt.cfg)
			require.Equal(t, tt.expected, got, "", tt.cfg)
		})
	}
}

func request(peerID string) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		InfoHash: bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"),
		Peer:     bittorrent.Peer{ID: bittorrent.PeerIDFromString(peerID)},
	}
}

func TestHandleAnnounce(t *testing.T) {
	h, err := NewHook(Config{1.0, 10, true})
	require.Nil(t, err)
	require.NotNil(t, h)

	ctx := context.Background()
	resp := &bittorrent.AnnounceResponse{Interval: 30 * time.Minute, MinInterval: 15 * time.Minute}

	nCtx, err := h.HandleAnnounce(ctx, request("-qB4250-aaaaaaaaaaaa"), resp)
	require.Nil(t, err)
	require.Equal(t, ctx, nCtx)
	require.True(t, resp.Interval > 30*time.Minute, "interval should have been increased")
	require.True(t, resp.Interval <= 30*time.Minute+10*time.Second)
	require.Equal(t, resp.Interval-30*time.Minute, resp.MinInterval-15*time.Minute)
}

func TestDelayIsStablePerPeer(t *testing.T) {
	h, err := NewHook(Config{1.0, 600, false})
	require.Nil(t, err)

	delay := func(peerID string) time.Duration {
		resp := &bittorrent.AnnounceResponse{MinInterval: time.Minute}
		_, err := h.HandleAnnounce(context.Background(), request(peerID), resp)
		require.Nil(t, err)
		require.Equal(t, time.Minute, resp.MinInterval)
		return resp.Interval
	}

	first := delay("-qB4250-aaaaaaaaaaaa")
	require.Equal(t, first, delay("-qB4250-aaaaaaaaaaaa"))

	seen := map[time.Duration]bool{first: true}
	for _, id := range []string{"-qB4250-bbbbbbbbbbbb", "-qB4250-cccccccccccc", "-TR2940-dddddddddddd"} {
		seen[delay(id)] = true
	}
	require.True(t, len(seen) > 1, "delays should differ between peers")
}

func TestDelayFollowsTheUser(t *testing.T) {
	h, err := NewHook(Config{1.0, 600, false})
	require.Nil(t, err)

	delay := func(uid bittorrent.UserID, peerID string) time.Duration {
		ctx := middleware.WithIdentity(context.Background(), &credential.Identity{
			Credential: &credential.Credential{UserID: uid},
			Torrent:    &collab.Torrent{ID: 1},
		})
		resp := &bittorrent.AnnounceResponse{}
		_, err := h.HandleAnnounce(ctx, request(peerID), resp)
		require.Nil(t, err)
		return resp.Interval
	}

	// A restarted client announces with a new peer ID.
	require.Equal(t, delay(1, "-qB4250-aaaaaaaaaaaa"), delay(1, "-qB4620-zzzzzzzzzzzz"))

	seen := map[time.Duration]bool{}
	for uid := bittorrent.UserID(1); uid <= 4; uid++ {
		seen[delay(uid, "-qB4250-aaaaaaaaaaaa")] = true
	}
	require.True(t, len(seen) > 1, "delays should differ between users")
}

func TestDriver(t *testing.T) {
	h, err := middleware.New(Name, []byte("modify_response_probability: 1\nmax_increase_delta: 5\n"), middleware.Env{})
	require.Nil(t, err)
	require.NotNil(t, h)

	_, err = middleware.New(Name, []byte("max_increase_delta: 5\n"), middleware.Env{})
	require.Equal(t, ErrInvalidModifyResponseProbability, err)
}
