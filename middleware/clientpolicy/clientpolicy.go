// Package clientpolicy implements a Hook that fails an Announce from banned
// BitTorrent client software, matched by prefix on the User-Agent header or
// the raw peer ID.
package clientpolicy

import (
	"context"
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/settings"
)

// Name is the name by which this middleware is registered with warden.
const Name = "client policy"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

// NewHook builds a hook on the live site settings. Banned clients listed in
// the options are refused in addition to those of the site settings.
func (d driver) NewHook(optionBytes []byte, env middleware.Env) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %w", Name, err)
	}
	if env.Settings == nil {
		return nil, fmt.Errorf("middleware %s requires a settings provider", Name)
	}
	if len(cfg.BannedClients) == 0 {
		return New(env.Settings), nil
	}

	// Validate orders the extra list longest prefix first.
	extra, err := settings.NewStatic(settings.Settings{BannedClients: cfg.BannedClients})
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %w", Name, err)
	}
	return &hook{settings: env.Settings, extra: extra.Settings().BannedClients}, nil
}

// Config represents the options of the driver form of this middleware.
type Config struct {
	BannedClients []settings.BannedClient `yaml:"banned_clients"`
}

// DefaultReason is sent when a banned client entry has no reason.
const DefaultReason = "banned client"

type hook struct {
	settings settings.Provider
	extra    []settings.BannedClient
}

// New returns a client policy hook reading the banned list from sp on every
// announce, so updates apply without a restart.
func New(sp settings.Provider) middleware.Hook {
	return &hook{settings: sp}
}

// Banned returns the entry matching userAgent or peerID, if any. The list is
// ordered longest prefix first, so the most specific entry wins.
func Banned(banned []settings.BannedClient, userAgent string, peerID bittorrent.PeerID) (settings.BannedClient, bool) {
	raw := peerID.RawString()
	for _, bc := range banned {
		if strings.HasPrefix(userAgent, bc.Prefix) || strings.HasPrefix(raw, bc.Prefix) {
			return bc, true
		}
	}
	return settings.BannedClient{}, false
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	bc, banned := Banned(h.settings.Settings().BannedClients, req.UserAgent, req.Peer.ID)
	if !banned {
		bc, banned = Banned(h.extra, req.UserAgent, req.Peer.ID)
	}
	if !banned {
		return ctx, nil
	}

	reason := bc.Reason
	if reason == "" {
		reason = DefaultReason
	}
	return ctx, bittorrent.UnauthorizedError(reason)
}

func (h *hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes don't require any protection.
	return ctx, nil
}
