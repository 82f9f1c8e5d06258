package credential

import (
	"context"
	"errors"
	"time"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
)

// Failures returned to clients.
var (
	ErrUnregisteredCredential = bittorrent.UnauthorizedError("unregistered credential")
	ErrRevokedCredential      = bittorrent.UnauthorizedError("credential revoked")
	ErrUnregisteredTorrent    = bittorrent.UnauthorizedError("unregistered torrent")
	ErrWrongTorrent           = bittorrent.UnauthorizedError("credential is not valid for this torrent")
)

// Identity is who is announcing, for which torrent.
type Identity struct {
	Credential *Credential
	Torrent    *collab.Torrent
}

// Authenticator resolves announce credentials.
type Authenticator struct {
	store Store
	dir   collab.TorrentDirectory
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(store Store, dir collab.TorrentDirectory) *Authenticator {
	return &Authenticator{store: store, dir: dir}
}

// Authenticate resolves token and ih to an Identity without changing any
// state. Credential problems are reported before a missing infohash.
func (a *Authenticator) Authenticate(ctx context.Context, token string, ih bittorrent.InfoHash) (*Identity, error) {
	c, err := a.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	if ih.IsZero() {
		return nil, bittorrent.ErrMissingInfoHash
	}

	t, err := a.Resolve(ctx, c, ih)
	if err != nil {
		return nil, err
	}
	return &Identity{Credential: c, Torrent: t}, nil
}

// Verify returns the credential for token if it exists and is not revoked.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Credential, error) {
	if !ValidToken(token) {
		return nil, ErrUnregisteredCredential
	}

	c, err := a.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnregisteredCredential
	} else if err != nil {
		return nil, err
	}
	if c.IsRevoked {
		return nil, ErrRevokedCredential
	}
	return c, nil
}

// Resolve looks up the torrent of ih and checks that c may be used for it.
// Credentials without a torrent are valid for every torrent.
func (a *Authenticator) Resolve(ctx context.Context, c *Credential, ih bittorrent.InfoHash) (*collab.Torrent, error) {
	t, err := a.dir.Lookup(ctx, ih)
	if errors.Is(err, collab.ErrTorrentNotFound) {
		return nil, ErrUnregisteredTorrent
	} else if err != nil {
		return nil, err
	}

	if c.TorrentID != 0 && c.TorrentID != t.ID {
		return nil, ErrWrongTorrent
	}
	return t, nil
}

// Touch records one accepted use of token. It fails if the credential was
// revoked or removed since it was authenticated.
func (a *Authenticator) Touch(ctx context.Context, token string, now time.Time) error {
	_, err := a.store.Touch(ctx, token, now)
	switch {
	case errors.Is(err, ErrRevoked):
		return ErrRevokedCredential
	case errors.Is(err, ErrNotFound):
		return ErrUnregisteredCredential
	}
	return err
}
