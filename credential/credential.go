// Package credential implements the per-(user, torrent) secrets embedded in
// announce URLs and the authenticator that resolves them.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
)

// ErrNotFound is returned by a Store when a token does not exist.
var ErrNotFound = errors.New("credential: not found")

// ErrRevoked is returned by Store.Touch when the credential is revoked, and
// by Store.Put when it would clear a revocation.
var ErrRevoked = errors.New("credential: revoked")

// ErrActiveExists is returned by Store.Put when the (user, torrent) pair
// already has an active credential.
var ErrActiveExists = errors.New("credential: an active credential already exists")

// LegacyPasskeyLength is the length of a user-wide legacy passkey.
const LegacyPasskeyLength = 32

// Credential is an announce URL secret.
//
// A TorrentID of 0 marks a user-wide legacy passkey that is valid for every
// torrent.
type Credential struct {
	Token        string
	UserID       bittorrent.UserID
	TorrentID    bittorrent.TorrentID
	IsRevoked    bool
	RevokedAt    time.Time
	RevokeReason string
	UsageCount   uint64
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// LogFields renders the credential as a set of log fields. The token is never
// logged.
func (c Credential) LogFields() log.Fields {
	return log.Fields{
		"userID":     c.UserID,
		"torrentID":  c.TorrentID,
		"isRevoked":  c.IsRevoked,
		"usageCount": c.UsageCount,
	}
}

// lastActivity is the newest timestamp recorded on the credential.
func (c Credential) lastActivity() time.Time {
	last := c.CreatedAt
	if c.LastUsedAt.After(last) {
		last = c.LastUsedAt
	}
	if c.RevokedAt.After(last) {
		last = c.RevokedAt
	}
	return last
}

// Inactive reports whether CleanupInactive should delete the credential: it
// is revoked or was never used, and nothing happened to it since before.
func (c Credential) Inactive(before time.Time) bool {
	if !c.IsRevoked && c.UsageCount > 0 {
		return false
	}
	return c.lastActivity().Before(before)
}

// NewToken returns a fresh random credential token.
func NewToken() string {
	return uuid.New().String()
}

// ValidToken reports whether s is shaped like a GUID token or a legacy
// passkey. Other strings are rejected without reaching a Store.
func ValidToken(s string) bool {
	if len(s) == LegacyPasskeyLength {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
				return false
			}
		}
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// Store persists credentials.
//
// Touch must be atomic per credential: concurrent touches of the same token
// each increment UsageCount exactly once, and a touch ordered after Revoke
// fails with ErrRevoked.
type Store interface {
	// Get returns a copy of the credential for token or ErrNotFound.
	Get(ctx context.Context, token string) (*Credential, error)

	// Issue returns the active credential of (userID, torrentID), creating
	// one if none exists.
	Issue(ctx context.Context, userID bittorrent.UserID, torrentID bittorrent.TorrentID, now time.Time) (*Credential, error)

	// Put stores c as given, for importing existing tokens such as legacy
	// passkeys. It fails with ErrActiveExists if another token is active for
	// the pair, and with ErrRevoked if c would clear the revocation of a
	// stored token. A revoked c releases its pair.
	Put(ctx context.Context, c Credential) error

	// Revoke marks the credential revoked. Revoking an already revoked
	// credential keeps the original revocation.
	Revoke(ctx context.Context, token, reason string, now time.Time) error

	// Touch re-checks revocation and records one use.
	Touch(ctx context.Context, token string, now time.Time) (*Credential, error)

	// CleanupInactive deletes every credential for which Inactive(before)
	// holds and returns how many were deleted.
	CleanupInactive(ctx context.Context, before time.Time) (int, error)

	stop.Stopper
}
