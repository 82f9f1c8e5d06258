package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStore runs the behavioural test suite every Store implementation must
// pass. The store is stopped at the end.
func TestStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	t.Run("IssueIsUniquePerPair", func(t *testing.T) {
		a, err := s.Issue(ctx, 1, 10, base)
		require.Nil(t, err)
		require.True(t, ValidToken(a.Token))
		require.True(t, a.CreatedAt.Equal(base))

		b, err := s.Issue(ctx, 1, 10, base.Add(time.Hour))
		require.Nil(t, err)
		require.Equal(t, a.Token, b.Token)

		c, err := s.Issue(ctx, 1, 11, base)
		require.Nil(t, err)
		require.NotEqual(t, a.Token, c.Token)

		got, err := s.Get(ctx, a.Token)
		require.Nil(t, err)
		require.Equal(t, a.UserID, got.UserID)
		require.Equal(t, a.TorrentID, got.TorrentID)
		require.False(t, got.IsRevoked)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := s.Get(ctx, NewToken())
		require.Equal(t, ErrNotFound, err)

		_, err = s.Touch(ctx, NewToken(), base)
		require.Equal(t, ErrNotFound, err)

		require.Equal(t, ErrNotFound, s.Revoke(ctx, NewToken(), "gone", base))
	})

	t.Run("TouchCountsEveryUse", func(t *testing.T) {
		c, err := s.Issue(ctx, 2, 20, base)
		require.Nil(t, err)

		const n = 50
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := s.Touch(ctx, c.Token, base.Add(time.Minute))
				require.Nil(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, c.Token)
		require.Nil(t, err)
		require.Equal(t, uint64(n), got.UsageCount)
		require.True(t, got.LastUsedAt.Equal(base.Add(time.Minute)))
	})

	t.Run("RevokeIsMonotonic", func(t *testing.T) {
		c, err := s.Issue(ctx, 3, 30, base)
		require.Nil(t, err)
		_, err = s.Touch(ctx, c.Token, base)
		require.Nil(t, err)

		require.Nil(t, s.Revoke(ctx, c.Token, "leaked", base.Add(time.Minute)))
		_, err = s.Touch(ctx, c.Token, base.Add(2*time.Minute))
		require.Equal(t, ErrRevoked, err)

		require.Nil(t, s.Revoke(ctx, c.Token, "again", base.Add(time.Hour)))
		got, err := s.Get(ctx, c.Token)
		require.Nil(t, err)
		require.True(t, got.IsRevoked)
		require.Equal(t, "leaked", got.RevokeReason)
		require.True(t, got.RevokedAt.Equal(base.Add(time.Minute)))
		require.Equal(t, uint64(1), got.UsageCount)

		// A revoked credential frees the pair for a new one.
		fresh, err := s.Issue(ctx, 3, 30, base.Add(time.Hour))
		require.Nil(t, err)
		require.NotEqual(t, c.Token, fresh.Token)
	})

	t.Run("PutLegacyPasskey", func(t *testing.T) {
		legacy := Credential{
			Token:     "0123456789abcdef0123456789abcdef",
			UserID:    4,
			CreatedAt: base,
		}
		require.Nil(t, s.Put(ctx, legacy))
		got, err := s.Get(ctx, legacy.Token)
		require.Nil(t, err)
		require.Equal(t, legacy.UserID, got.UserID)
		require.Zero(t, got.TorrentID)

		dup := legacy
		dup.Token = "fedcba9876543210fedcba9876543210"
		require.Equal(t, ErrActiveExists, s.Put(ctx, dup))

		issued, err := s.Issue(ctx, 4, 0, base)
		require.Nil(t, err)
		require.Equal(t, legacy.Token, issued.Token)
	})

	t.Run("CleanupInactive", func(t *testing.T) {
		unused, err := s.Issue(ctx, 5, 50, base)
		require.Nil(t, err)

		used, err := s.Issue(ctx, 5, 51, base)
		require.Nil(t, err)
		_, err = s.Touch(ctx, used.Token, base)
		require.Nil(t, err)

		revoked, err := s.Issue(ctx, 5, 52, base)
		require.Nil(t, err)
		_, err = s.Touch(ctx, revoked.Token, base)
		require.Nil(t, err)
		require.Nil(t, s.Revoke(ctx, revoked.Token, "rotated", base.Add(time.Minute)))

		recent, err := s.Issue(ctx, 5, 53, base.Add(48*time.Hour))
		require.Nil(t, err)

		n, err := s.CleanupInactive(ctx, base.Add(24*time.Hour))
		require.Nil(t, err)
		require.GreaterOrEqual(t, n, 2)

		_, err = s.Get(ctx, unused.Token)
		require.Equal(t, ErrNotFound, err)
		_, err = s.Get(ctx, revoked.Token)
		require.Equal(t, ErrNotFound, err)
		_, err = s.Get(ctx, used.Token)
		require.Nil(t, err)
		_, err = s.Get(ctx, recent.Token)
		require.Nil(t, err)

		// The pair of a deleted credential can be issued again.
		again, err := s.Issue(ctx, 5, 50, base.Add(72*time.Hour))
		require.Nil(t, err)
		require.NotEqual(t, unused.Token, again.Token)
	})

	t.Run("PutCannotUndoRevocation", func(t *testing.T) {
		c, err := s.Issue(ctx, 7, 70, base)
		require.Nil(t, err)
		require.Nil(t, s.Revoke(ctx, c.Token, "leaked", base))

		restored := *c
		restored.IsRevoked = false
		require.Equal(t, ErrRevoked, s.Put(ctx, restored))

		got, err := s.Get(ctx, c.Token)
		require.Nil(t, err)
		require.True(t, got.IsRevoked)
		_, err = s.Touch(ctx, c.Token, base)
		require.Equal(t, ErrRevoked, err)
	})

	t.Run("RevokedPutReleasesPair", func(t *testing.T) {
		c, err := s.Issue(ctx, 7, 71, base)
		require.Nil(t, err)

		revoked := *c
		revoked.IsRevoked = true
		revoked.RevokedAt = base
		revoked.RevokeReason = "imported as revoked"
		require.Nil(t, s.Put(ctx, revoked))

		fresh, err := s.Issue(ctx, 7, 71, base.Add(time.Minute))
		require.Nil(t, err)
		require.NotEqual(t, c.Token, fresh.Token)
		require.False(t, fresh.IsRevoked)
	})

	t.Run("CleanupWithoutCreatedAt", func(t *testing.T) {
		undated := Credential{Token: NewToken(), UserID: 8, TorrentID: 80}
		require.Nil(t, s.Put(ctx, undated))
		dated, err := s.Issue(ctx, 8, 81, base)
		require.Nil(t, err)

		n, err := s.CleanupInactive(ctx, base.Add(24*time.Hour))
		require.Nil(t, err)
		require.GreaterOrEqual(t, n, 2)

		_, err = s.Get(ctx, undated.Token)
		require.Equal(t, ErrNotFound, err)
		_, err = s.Get(ctx, dated.Token)
		require.Equal(t, ErrNotFound, err)
	})

	errs := s.Stop().Wait()
	require.Empty(t, errs)
}
