package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/redisconn"
	s "github.com/chihaya/warden/storage"
)

func createNew(t *testing.T) (*miniredis.Miniredis, s.SwarmStore) {
	rs, err := miniredis.Run()
	require.Nil(t, err)
	t.Cleanup(rs.Close)

	ss, err := New(Config{
		Config:                    redisconn.Config{Broker: fmt.Sprintf("redis://@%s/0", rs.Addr())},
		KeyPrefix:                 "test:",
		GarbageCollectionInterval: 10 * time.Minute,
		RecountInterval:           10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
	})
	require.Nil(t, err)
	return rs, ss
}

func TestSwarmStore(t *testing.T) {
	_, ss := createNew(t)
	s.TestSwarmStore(t, ss)
}

func TestKeyLayout(t *testing.T) {
	rs, ss := createNew(t)
	defer ss.Stop()

	ih, err := bittorrent.InfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)

	_, err = ss.Announce(context.Background(), &s.Announce{
		UserID:   42,
		InfoHash: ih,
		Event:    bittorrent.Completed,
		NumWant:  50,
		Now:      time.Now(),
	}, nil)
	require.NoError(t, err)

	require.True(t, rs.Exists("test:swarm:"+ih.String()+":peers"))
	require.Equal(t, "1", rs.HGet("test:swarm:"+ih.String()+":counts", "seeders"))
	require.Equal(t, "1", rs.HGet("test:swarm:"+ih.String()+":counts", "snatched"))
	ok, err := rs.IsMember("test:swarm:"+ih.String()+":snatched", "42")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rs.IsMember("test:swarms", ih.String())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecountRepairsDrift(t *testing.T) {
	rs, ss := createNew(t)
	defer ss.Stop()
	ctx := context.Background()

	var ih bittorrent.InfoHash
	ih[0] = 7
	_, err := ss.Announce(ctx, &s.Announce{UserID: 1, InfoHash: ih, Left: 10, NumWant: 50, Now: time.Now()}, nil)
	require.NoError(t, err)

	rs.HSet("test:swarm:"+ih.String()+":counts", "leechers", "4")

	drifted, err := ss.Recount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, drifted)
	require.Equal(t, "1", rs.HGet("test:swarm:"+ih.String()+":counts", "leechers"))
}

func TestEmptySwarmIsForgotten(t *testing.T) {
	rs, ss := createNew(t)
	defer ss.Stop()
	ctx := context.Background()

	var ih bittorrent.InfoHash
	ih[0] = 3
	now := time.Now()
	for _, ev := range []bittorrent.Event{bittorrent.Started, bittorrent.Stopped} {
		_, err := ss.Announce(ctx, &s.Announce{UserID: 1, InfoHash: ih, Event: ev, Left: 10, NumWant: 50, Now: now}, nil)
		require.NoError(t, err)
	}

	require.False(t, rs.Exists("test:swarm:"+ih.String()+":peers"))
	require.False(t, rs.Exists("test:swarms"))
}
