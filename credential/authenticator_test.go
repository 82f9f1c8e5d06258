package credential_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/credential/memory"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
)

var (
	ihA = bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")
	ihB = bittorrent.InfoHashFromString("bbbbbbbbbbbbbbbbbbbb")
	ihC = bittorrent.InfoHashFromString("cccccccccccccccccccc")
)

func setup(t *testing.T) (credential.Store, *credential.Authenticator) {
	s, err := memory.New(memory.Config{ShardCount: 4})
	require.Nil(t, err)
	t.Cleanup(func() { s.Stop().Wait() })

	dir := collab.NewDirectory(
		collab.Torrent{ID: 1, InfoHash: ihA},
		collab.Torrent{ID: 2, InfoHash: ihB},
	)
	return s, credential.NewAuthenticator(s, dir)
}

func TestAuthenticate(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()
	now := time.Now()

	c, err := s.Issue(ctx, 7, 1, now)
	require.Nil(t, err)

	id, err := a.Authenticate(ctx, c.Token, ihA)
	require.Nil(t, err)
	require.Equal(t, bittorrent.UserID(7), id.Credential.UserID)
	require.Equal(t, bittorrent.TorrentID(1), id.Torrent.ID)

	// Authenticate never records usage.
	got, err := s.Get(ctx, c.Token)
	require.Nil(t, err)
	require.Zero(t, got.UsageCount)

	_, err = a.Authenticate(ctx, c.Token, ihB)
	require.Equal(t, credential.ErrWrongTorrent, err)

	_, err = a.Authenticate(ctx, c.Token, ihC)
	require.Equal(t, credential.ErrUnregisteredTorrent, err)

	_, err = a.Authenticate(ctx, c.Token, bittorrent.InfoHash{})
	require.Equal(t, bittorrent.ErrMissingInfoHash, err)

	_, err = a.Authenticate(ctx, credential.NewToken(), ihA)
	require.Equal(t, credential.ErrUnregisteredCredential, err)

	_, err = a.Authenticate(ctx, "not a token", ihA)
	require.Equal(t, credential.ErrUnregisteredCredential, err)
}

func TestLegacyPasskeyIsValidForEveryTorrent(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()

	passkey := "0123456789abcdef0123456789abcdef"
	require.Nil(t, s.Put(ctx, credential.Credential{Token: passkey, UserID: 3, CreatedAt: time.Now()}))

	for _, ih := range []bittorrent.InfoHash{ihA, ihB} {
		id, err := a.Authenticate(ctx, passkey, ih)
		require.Nil(t, err)
		require.Equal(t, bittorrent.UserID(3), id.Credential.UserID)
	}
}

func TestRevokedBetweenAuthenticateAndTouch(t *testing.T) {
	s, a := setup(t)
	ctx := context.Background()
	now := time.Now()

	c, err := s.Issue(ctx, 7, 1, now)
	require.Nil(t, err)

	_, err = a.Authenticate(ctx, c.Token, ihA)
	require.Nil(t, err)

	require.Nil(t, s.Revoke(ctx, c.Token, "leaked", now))
	require.Equal(t, credential.ErrRevokedCredential, a.Touch(ctx, c.Token, now))

	_, err = a.Authenticate(ctx, c.Token, ihA)
	require.Equal(t, credential.ErrRevokedCredential, err)
}

func TestCleaner(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	clock := timecache.NewManual(time.Unix(1700000000, 0))

	cfg := settings.Default()
	cfg.CredentialInactivityCleanup = 24 * time.Hour
	provider, err := settings.NewStatic(cfg)
	require.Nil(t, err)

	c, err := s.Issue(ctx, 1, 1, clock.Now())
	require.Nil(t, err)

	cleaner := credential.NewCleaner(s, provider, clock, time.Hour)
	defer cleaner.Stop().Wait()

	n, err := cleaner.Clean(ctx)
	require.Nil(t, err)
	require.Zero(t, n)

	clock.Advance(25 * time.Hour)
	n, err = cleaner.Clean(ctx)
	require.Nil(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, c.Token)
	require.Equal(t, credential.ErrNotFound, err)
}
