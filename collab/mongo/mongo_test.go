package mongo

import (
	"context"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/collab"
)

func TestToDocument(t *testing.T) {
	c := collab.CheatLog{
		ID:            uuid.New(),
		UserID:        5,
		DetectionType: collab.DetectionSpeed,
		Severity:      collab.SeverityHigh,
		IP:            netip.MustParseAddr("2001:db8::1"),
		Details:       "upload speed 200MiB/s",
	}
	d := toDocument(c)
	require.Equal(t, c.ID.String(), d.ID)
	require.Equal(t, "speed", d.DetectionType)
	require.Equal(t, "high", d.Severity)
	require.Equal(t, "2001:db8::1", d.IP)
	require.False(t, d.Processed)
}

// TestSink needs a live server: WARDEN_MONGO_URI=mongodb://localhost:27017
func TestSink(t *testing.T) {
	uri := os.Getenv("WARDEN_MONGO_URI")
	if uri == "" {
		t.Skip("WARDEN_MONGO_URI not set")
	}

	s, err := New(Config{URI: uri, Database: "warden_test", Collection: "cheat_logs_" + uuid.NewString()})
	require.Nil(t, err)
	ctx := context.Background()
	defer func() {
		require.Nil(t, s.coll.Drop(ctx))
		require.Nil(t, s.Close(ctx))
	}()

	for i := 0; i < 3; i++ {
		require.Nil(t, s.Append(ctx, collab.CheatLog{
			ID:            uuid.New(),
			UserID:        11,
			DetectionType: collab.DetectionIPChange,
			Severity:      collab.SeverityLow,
			IP:            netip.MustParseAddr("10.0.0.1"),
			Timestamp:     time.Now(),
		}))
	}

	n, err := s.Unprocessed(ctx, 11)
	require.Nil(t, err)
	require.Equal(t, int64(3), n)
}
