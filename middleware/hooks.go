package middleware

import (
	"context"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/credential"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
//
// Hooks run at three points of a request: as filters before the request is
// authenticated, as response hooks once the response is built, and after
// the response was written.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the identity of an accepted
// announce.
func WithIdentity(ctx context.Context, id *credential.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity. Response
// and post hooks of an accepted announce always find one.
func IdentityFromContext(ctx context.Context) (*credential.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*credential.Identity)
	return id, ok && id != nil
}
