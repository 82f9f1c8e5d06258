package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
)

// TestDB needs a scratch database:
// WARDEN_POSTGRES_URL=postgres://postgres@localhost/warden_test?sslmode=disable
func TestDB(t *testing.T) {
	url := os.Getenv("WARDEN_POSTGRES_URL")
	if url == "" {
		t.Skip("WARDEN_POSTGRES_URL not set")
	}

	d, err := New(Config{URL: url, CreateSchema: true})
	require.Nil(t, err)
	defer d.Close()
	ctx := context.Background()

	_, err = d.db.ExecContext(ctx, "TRUNCATE torrent, user_transfer, ban_escalation")
	require.Nil(t, err)

	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")
	_, err = d.Lookup(ctx, ih)
	require.Equal(t, collab.ErrTorrentNotFound, err)

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO torrent (torrent_id, info_hash, is_free, multi_up) VALUES (7, $1, true, 1.5)", ih[:])
	require.Nil(t, err)

	tor, err := d.Lookup(ctx, ih)
	require.Nil(t, err)
	require.Equal(t, bittorrent.TorrentID(7), tor.ID)
	require.True(t, tor.IsFree)
	require.Equal(t, 1.5, tor.UploadMultiplier)

	require.Nil(t, d.RecordTransfer(ctx, collab.Transfer{UserID: 2, Uploaded: 10, RawUploaded: 5}))
	require.Nil(t, d.RecordTransfer(ctx, collab.Transfer{UserID: 2, Uploaded: 10, RawUploaded: 5}))
	var uploaded int64
	require.Nil(t, d.db.QueryRowContext(ctx, "SELECT uploaded FROM user_transfer WHERE user_id = 2").Scan(&uploaded))
	require.Equal(t, int64(20), uploaded)

	id := uuid.New()
	require.Nil(t, d.Escalate(ctx, 2, id))
	require.Nil(t, d.Escalate(ctx, 2, id))
	var n int
	require.Nil(t, d.db.QueryRowContext(ctx, "SELECT count(*) FROM ban_escalation WHERE user_id = 2").Scan(&n))
	require.Equal(t, 1, n)
}
