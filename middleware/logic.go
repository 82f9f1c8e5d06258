package middleware

import (
	"context"
	"errors"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/credential"
	"github.com/chihaya/warden/frontend"
	"github.com/chihaya/warden/middleware/anticheat"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
	"github.com/chihaya/warden/storage"
)

var _ frontend.TrackerLogic = &Logic{}

// Collaborators are the components an announce flows through.
type Collaborators struct {
	Settings      settings.Provider
	Authenticator *credential.Authenticator
	Swarms        storage.SwarmStore
	AntiCheat     *anticheat.Engine
	// Ledger must not block; wrap slow ledgers in collab.AsyncLedger.
	Ledger collab.Ledger
	Clock  timecache.Clock
}

// NewLogic creates a new instance of a TrackerLogic.
//
// preHooks filter requests before authentication, responseHooks adjust a
// built response and postHooks run after the response was written.
func NewLogic(c Collaborators, preHooks, responseHooks, postHooks []Hook) *Logic {
	if c.Clock == nil {
		c.Clock = timecache.Global()
	}
	return &Logic{
		c:             c,
		preHooks:      preHooks,
		responseHooks: responseHooks,
		postHooks:     postHooks,
	}
}

// Logic is the announce orchestrator. Every announce moves through
//
//	filtered -> authenticated -> validated -> cheat checked -> swarm updated -> response built
//
// and any step may fail it. Only the last two change state, and the cheat
// check and credential touch run inside the swarm lock so a failure leaves
// nothing behind.
type Logic struct {
	c             Collaborators
	preHooks      []Hook
	responseHooks []Hook
	postHooks     []Hook
}

// HandleAnnounce generates a response for an Announce.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Compact:  req.Compact,
		NoPeerID: req.NoPeerID,
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	id, err := l.c.Authenticator.Authenticate(ctx, req.Credential, req.InfoHash)
	if err != nil {
		return nil, nil, err
	}

	if err = bittorrent.ValidateAnnounce(req); err != nil {
		return nil, nil, err
	}

	s := l.c.Settings.Settings()
	a := &storage.Announce{
		TorrentID:  id.Torrent.ID,
		UserID:     id.Credential.UserID,
		InfoHash:   req.InfoHash,
		Peer:       req.Peer,
		UserAgent:  req.UserAgent,
		Credential: req.Credential,
		Event:      req.Event,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		NumWant:    int(req.NumWant),
		Now:        l.c.Clock.Now(),
	}

	var verdict anticheat.Verdict
	snap, err := l.c.Swarms.Announce(ctx, a, func(prev *storage.Peer, d storage.Delta) error {
		v, err := l.c.AntiCheat.Evaluate(ctx, a, prev, d)
		if err != nil {
			return err
		}
		verdict = v
		return l.c.Authenticator.Touch(ctx, req.Credential, a.Now)
	})
	if err != nil {
		return nil, nil, err
	}

	l.credit(ctx, s, id.Torrent, a, snap, verdict)

	resp.Complete = snap.Seeders
	resp.Incomplete = snap.Leechers
	resp.Snatches = snap.Snatched
	resp.Interval = s.AnnounceInterval
	resp.MinInterval = s.MinAnnounceInterval
	resp.IPv4Peers = snap.IPv4Peers
	resp.IPv6Peers = snap.IPv6Peers

	ctx = WithIdentity(ctx, id)
	for _, h := range l.responseHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated announce response", resp)
	return ctx, resp, nil
}

// Multipliers returns the upload and download multipliers for transfer on t.
//
// Double upload, global or per torrent, sets the upload multiplier to 2;
// otherwise the torrent's own applies. Freeleech, global or per torrent,
// sets the download multiplier to 0. Unset multipliers are 1.
func Multipliers(s *settings.Settings, t *collab.Torrent) (up, down float64) {
	up, down = t.UploadMultiplier, t.DownloadMultiplier
	if up <= 0 {
		up = 1
	}
	if down <= 0 {
		down = 1
	}
	if s.GlobalDoubleUpload || t.DoubleUpload {
		up = 2
	}
	if s.GlobalFreeleech || t.IsFree {
		down = 0
	}
	return up, down
}

// credit forwards the transfer of an accepted announce to the ledger.
func (l *Logic) credit(ctx context.Context, s *settings.Settings, t *collab.Torrent, a *storage.Announce, snap *storage.Snapshot, v anticheat.Verdict) {
	d := snap.Delta
	if d.Uploaded == 0 && d.Downloaded == 0 {
		return
	}

	up, down := Multipliers(s, t)
	tr := collab.Transfer{
		UserID:             a.UserID,
		TorrentID:          t.ID,
		RawUploaded:        d.Uploaded,
		RawDownloaded:      d.Downloaded,
		UploadMultiplier:   up,
		DownloadMultiplier: down,
	}
	if !v.Clamp {
		tr.Uploaded = uint64(float64(d.Uploaded) * up)
		tr.Downloaded = uint64(float64(d.Downloaded) * down)
	}

	if err := l.c.Ledger.RecordTransfer(ctx, tr); err != nil {
		log.Error("failed to record transfer", tr, log.Err(err))
	}
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
}

// HandleScrape generates a response for a Scrape.
//
// Infohashes the credential may not see, and unregistered ones, are reported
// as empty swarms.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (_ context.Context, resp *bittorrent.ScrapeResponse, err error) {
	resp = &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	c, err := l.c.Authenticator.Verify(ctx, req.Credential)
	if err != nil {
		return nil, nil, err
	}

	for _, ih := range req.InfoHashes {
		if _, err := l.c.Authenticator.Resolve(ctx, c, ih); err != nil {
			var ce bittorrent.ClientError
			if !errors.As(err, &ce) {
				return nil, nil, err
			}
			resp.Files = append(resp.Files, bittorrent.Scrape{InfoHash: ih})
			continue
		}

		sc, err := l.c.Swarms.Scrape(ctx, ih)
		if err != nil {
			return nil, nil, err
		}
		resp.Files = append(resp.Files, sc)
	}

	for _, h := range l.responseHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated scrape response", resp)
	return ctx, resp, nil
}

// AfterScrape does something with the results of a Scrape after it has been
// completed.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			log.Error("post-scrape hooks failed", log.Err(err))
			return
		}
	}
}

// Stop stops the Logic.
//
// This stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hooks := range [][]Hook{l.preHooks, l.responseHooks, l.postHooks} {
		for _, hook := range hooks {
			if stoppable, ok := hook.(stop.Stopper); ok {
				stopGroup.Add(stoppable)
			}
		}
	}

	return stopGroup.Stop()
}
