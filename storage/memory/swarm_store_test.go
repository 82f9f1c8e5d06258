package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	s "github.com/chihaya/warden/storage"
)

func createNew() s.SwarmStore {
	ss, err := New(Config{
		ShardCount:                1024,
		GarbageCollectionInterval: 10 * time.Minute,
		RecountInterval:           10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	return ss
}

func TestSwarmStore(t *testing.T) { s.TestSwarmStore(t, createNew()) }

func TestDriverRegistered(t *testing.T) {
	ss, err := s.NewSwarmStore(Name, map[string]interface{}{"shard_count": 8})
	require.NoError(t, err)
	require.Len(t, ss.(*swarmStore).shards, 8)
	require.Nil(t, ss.Stop().Wait())
}

func TestRecountRepairsDrift(t *testing.T) {
	ctx := context.Background()
	ss := createNew().(*swarmStore)
	defer ss.Stop()

	var ih bittorrent.InfoHash
	ih[0] = 7
	_, err := ss.Announce(ctx, &s.Announce{
		UserID:   1,
		InfoHash: ih,
		Event:    bittorrent.Started,
		Left:     10,
		NumWant:  50,
		Now:      time.Now(),
	}, nil)
	require.NoError(t, err)

	shard := ss.shards[ss.shardIndex(ih)]
	shard.Lock()
	shard.swarms[ih].leechers = 5
	shard.swarms[ih].seeders = 2
	shard.Unlock()

	drifted, err := ss.Recount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, drifted)

	sc, err := ss.Scrape(ctx, ih)
	require.NoError(t, err)
	require.Equal(t, uint32(0), sc.Complete)
	require.Equal(t, uint32(1), sc.Incomplete)
}

func TestSnatchedSwarmSurvivesEmptying(t *testing.T) {
	ctx := context.Background()
	ss := createNew().(*swarmStore)
	defer ss.Stop()

	var ih bittorrent.InfoHash
	ih[0] = 9
	now := time.Now()
	for _, ev := range []bittorrent.Event{bittorrent.Completed, bittorrent.Stopped} {
		_, err := ss.Announce(ctx, &s.Announce{UserID: 1, InfoHash: ih, Event: ev, NumWant: 50, Now: now}, nil)
		require.NoError(t, err)
	}

	sc, err := ss.Scrape(ctx, ih)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sc.Snatches)
	require.Equal(t, uint32(0), sc.Complete)

	require.NoError(t, ss.CollectGarbage(ctx, now.Add(time.Hour)))
	sc, err = ss.Scrape(ctx, ih)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sc.Snatches)
}

func benchmarkAnnounce(b *testing.B, spread bool) {
	ss := createNew()
	defer ss.Stop()

	ctx := context.Background()
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var ih bittorrent.InfoHash
		if spread {
			ih[0], ih[1] = byte(i), byte(i>>8)
		}
		_, err := ss.Announce(ctx, &s.Announce{
			UserID:   bittorrent.UserID(i % 1000),
			InfoHash: ih,
			Left:     uint64(i % 2),
			NumWant:  50,
			Now:      now,
		}, nil)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAnnounce(b *testing.B)               { benchmarkAnnounce(b, false) }
func BenchmarkAnnounceSpreadInfohash(b *testing.B) { benchmarkAnnounce(b, true) }
