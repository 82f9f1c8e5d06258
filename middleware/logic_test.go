package middleware_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/credential"
	credmemory "github.com/chihaya/warden/credential/memory"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/middleware/anticheat"
	"github.com/chihaya/warden/middleware/clientpolicy"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
	"github.com/chihaya/warden/storage"
	"github.com/chihaya/warden/storage/memory"
)

const mb = 1 << 20

var (
	ihA = bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")
	ihB = bittorrent.InfoHashFromString("bbbbbbbbbbbbbbbbbbbb")
	ihC = bittorrent.InfoHashFromString("cccccccccccccccccccc")
)

type fixture struct {
	logic  *middleware.Logic
	sp     *settings.Static
	creds  credential.Store
	swarms storage.SwarmStore
	engine *anticheat.Engine
	ledger *collab.MemoryLedger
	logs   *collab.MemoryCheatLogs
	clock  *timecache.Manual
}

// newFixture wires a tracker over in-memory collaborators. Torrent 1 is ihA
// and torrent 2 is ihB; ihC is not registered.
func newFixture(t *testing.T, s settings.Settings, torrentA collab.Torrent) *fixture {
	sp, err := settings.NewStatic(s)
	require.Nil(t, err)

	creds, err := credmemory.New(credmemory.Config{ShardCount: 4})
	require.Nil(t, err)
	swarms, err := memory.New(memory.Config{ShardCount: 4})
	require.Nil(t, err)

	torrentA.ID, torrentA.InfoHash = 1, ihA
	dir := collab.NewDirectory(torrentA, collab.Torrent{ID: 2, InfoHash: ihB})

	f := &fixture{
		sp:     sp,
		creds:  creds,
		swarms: swarms,
		ledger: &collab.MemoryLedger{},
		logs:   &collab.MemoryCheatLogs{},
		clock:  timecache.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.engine = anticheat.NewEngine(anticheat.Config{}, sp, f.logs, &collab.MemoryEscalator{}, f.clock)
	f.logic = middleware.NewLogic(middleware.Collaborators{
		Settings:      sp,
		Authenticator: credential.NewAuthenticator(creds, dir),
		Swarms:        swarms,
		AntiCheat:     f.engine,
		Ledger:        f.ledger,
		Clock:         f.clock,
	}, []middleware.Hook{clientpolicy.New(sp)}, nil, nil)

	t.Cleanup(func() {
		require.Empty(t, f.logic.Stop().Wait())
		require.Empty(t, f.engine.Stop().Wait())
		require.Empty(t, f.swarms.Stop().Wait())
		require.Empty(t, f.creds.Stop().Wait())
	})
	return f
}

// relaxed returns default settings without the enforced interval so tests
// can re-announce quickly.
func relaxed() settings.Settings {
	s := settings.Default()
	s.EnforcedMinAnnounceInterval = 0
	return s
}

func (f *fixture) issue(t *testing.T, uid bittorrent.UserID, tid bittorrent.TorrentID) string {
	c, err := f.creds.Issue(context.Background(), uid, tid, f.clock.Now())
	require.Nil(t, err)
	return c.Token
}

func announce(token string, ih bittorrent.InfoHash, ev bittorrent.Event, up, down, left uint64) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Credential:      token,
		UserAgent:       "qBittorrent/4.2.5",
		InfoHash:        ih,
		Event:           ev,
		EventProvided:   ev != bittorrent.None,
		Compact:         true,
		NumWant:         50,
		NumWantProvided: true,
		Uploaded:        up,
		Downloaded:      down,
		Left:            left,
		Peer: bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString("-qB4250-aaaaaaaaaaaa"),
			AddrPort: netip.MustParseAddrPort("10.0.0.1:6881"),
		},
	}
}

func TestAnnounceResponse(t *testing.T) {
	f := newFixture(t, relaxed(), collab.Torrent{})
	ctx := context.Background()
	seeder, leecher := f.issue(t, 1, 1), f.issue(t, 2, 1)

	_, resp, err := f.logic.HandleAnnounce(ctx, announce(seeder, ihA, bittorrent.Started, 0, 0, 0))
	require.Nil(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
	require.Empty(t, resp.IPv4Peers)

	req := announce(leecher, ihA, bittorrent.Started, 0, 0, 100)
	req.AddrPort = netip.MustParseAddrPort("10.0.1.1:6881")
	_, resp, err = f.logic.HandleAnnounce(ctx, req)
	require.Nil(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, 15*time.Minute, resp.MinInterval)
	require.Len(t, resp.IPv4Peers, 1)
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:6881"), resp.IPv4Peers[0].AddrPort)

	c, err := f.creds.Get(ctx, seeder)
	require.Nil(t, err)
	require.Equal(t, uint64(1), c.UsageCount)
}

func TestAnnounceRejections(t *testing.T) {
	s := relaxed()
	s.BannedClients = []settings.BannedClient{{Prefix: "Transmission/1."}}
	f := newFixture(t, s, collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)

	revoked := f.issue(t, 3, 1)
	require.Nil(t, f.creds.Revoke(ctx, revoked, "leaked", f.clock.Now()))

	noPort := announce(token, ihA, bittorrent.Started, 0, 0, 0)
	noPort.AddrPort = netip.AddrPortFrom(noPort.Addr(), 0)

	missing := announce(token, ihA, bittorrent.Started, 0, 0, 0)
	missing.Missing = []string{"left"}

	banned := announce(token, ihA, bittorrent.Started, 0, 0, 0)
	banned.UserAgent = "Transmission/1.93"

	for _, tt := range []struct {
		name string
		req  *bittorrent.AnnounceRequest
		err  error
	}{
		{"unknown credential", announce("nope", ihA, bittorrent.Started, 0, 0, 0), credential.ErrUnregisteredCredential},
		{"revoked credential", announce(revoked, ihA, bittorrent.Started, 0, 0, 0), credential.ErrRevokedCredential},
		{"missing infohash", announce(token, bittorrent.InfoHash{}, bittorrent.Started, 0, 0, 0), bittorrent.ErrMissingInfoHash},
		{"unregistered torrent", announce(token, ihC, bittorrent.Started, 0, 0, 0), credential.ErrUnregisteredTorrent},
		{"wrong torrent", announce(token, ihB, bittorrent.Started, 0, 0, 0), credential.ErrWrongTorrent},
		{"invalid port", noPort, bittorrent.ErrInvalidPort},
		{"missing parameter", missing, bittorrent.MalformedError("failed to parse parameter: left")},
		{"banned client", banned, bittorrent.UnauthorizedError(clientpolicy.DefaultReason)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.logic.HandleAnnounce(ctx, tt.req)
			require.Equal(t, tt.err, err)
			require.Nil(t, resp)
		})
	}

	// No rejected announce created the swarm.
	_, err := f.swarms.Peers(ctx, ihA)
	require.ErrorIs(t, err, storage.ErrResourceDoesNotExist)
	sc, err := f.swarms.Scrape(ctx, ihA)
	require.Nil(t, err)
	require.Equal(t, bittorrent.Scrape{InfoHash: ihA}, sc)
	require.Empty(t, f.ledger.Transfers())
}

// revokingStore revokes a credential after authentication succeeded and
// before the swarm is updated.
type revokingStore struct {
	storage.SwarmStore
	creds credential.Store
	token string
	now   time.Time
}

func (r *revokingStore) Announce(ctx context.Context, a *storage.Announce, check storage.CheckFunc) (*storage.Snapshot, error) {
	if err := r.creds.Revoke(ctx, r.token, "revoked mid-flight", r.now); err != nil {
		return nil, err
	}
	return r.SwarmStore.Announce(ctx, a, check)
}

func TestRevokedDuringAnnounce(t *testing.T) {
	f := newFixture(t, relaxed(), collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)

	logic := middleware.NewLogic(middleware.Collaborators{
		Settings:      f.sp,
		Authenticator: credential.NewAuthenticator(f.creds, collab.NewDirectory(collab.Torrent{ID: 1, InfoHash: ihA})),
		Swarms:        &revokingStore{SwarmStore: f.swarms, creds: f.creds, token: token, now: f.clock.Now()},
		AntiCheat:     f.engine,
		Ledger:        f.ledger,
		Clock:         f.clock,
	}, nil, nil, nil)

	_, resp, err := logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 0, 0, 0))
	require.Equal(t, credential.ErrRevokedCredential, err)
	require.Nil(t, resp)

	sc, err := f.swarms.Scrape(ctx, ihA)
	require.Nil(t, err)
	require.Zero(t, sc.Complete)
	require.Zero(t, sc.Incomplete)

	c, err := f.creds.Get(ctx, token)
	require.Nil(t, err)
	require.Zero(t, c.UsageCount)
}

func TestMultipliers(t *testing.T) {
	for _, tt := range []struct {
		name     string
		global   settings.Settings
		torrent  collab.Torrent
		up, down float64
	}{
		{"defaults", settings.Settings{}, collab.Torrent{}, 1, 1},
		{"torrent multipliers", settings.Settings{}, collab.Torrent{UploadMultiplier: 1.5, DownloadMultiplier: 0.5}, 1.5, 0.5},
		{"freeleech torrent", settings.Settings{}, collab.Torrent{IsFree: true, DownloadMultiplier: 0.5}, 1, 0},
		{"global freeleech", settings.Settings{GlobalFreeleech: true}, collab.Torrent{}, 1, 0},
		{"double upload torrent", settings.Settings{}, collab.Torrent{DoubleUpload: true, UploadMultiplier: 3}, 2, 1},
		{"global double upload", settings.Settings{GlobalDoubleUpload: true}, collab.Torrent{}, 2, 1},
		{"negative multipliers", settings.Settings{}, collab.Torrent{UploadMultiplier: -1, DownloadMultiplier: -2}, 1, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			up, down := middleware.Multipliers(&tt.global, &tt.torrent)
			require.Equal(t, tt.up, up)
			require.Equal(t, tt.down, down)
		})
	}
}

func TestSeederReannounceCredits(t *testing.T) {
	for _, tt := range []struct {
		name     string
		torrent  collab.Torrent
		uploaded uint64
	}{
		{"normal", collab.Torrent{}, mb},
		{"double upload", collab.Torrent{DoubleUpload: true}, 2 * mb},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, relaxed(), tt.torrent)
			ctx := context.Background()
			token := f.issue(t, 1, 1)

			_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 5*mb, 0, 0))
			require.Nil(t, err)
			require.Empty(t, f.ledger.Transfers())

			f.clock.Advance(30 * time.Second)
			_, resp, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.None, 6*mb, 0, 0))
			require.Nil(t, err)
			require.Equal(t, uint32(1), resp.Complete)

			transfers := f.ledger.Transfers()
			require.Len(t, transfers, 1)
			require.Equal(t, bittorrent.UserID(1), transfers[0].UserID)
			require.Equal(t, bittorrent.TorrentID(1), transfers[0].TorrentID)
			require.Equal(t, uint64(mb), transfers[0].RawUploaded)
			require.Equal(t, tt.uploaded, transfers[0].Uploaded)
			require.Zero(t, transfers[0].Downloaded)
		})
	}
}

func TestAnnounceContextCarriesIdentity(t *testing.T) {
	f := newFixture(t, relaxed(), collab.Torrent{})
	token := f.issue(t, 5, 1)

	ctx, _, err := f.logic.HandleAnnounce(context.Background(), announce(token, ihA, bittorrent.Started, 0, 0, 0))
	require.Nil(t, err)

	id, ok := middleware.IdentityFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, bittorrent.UserID(5), id.Credential.UserID)
	require.Equal(t, bittorrent.TorrentID(1), id.Torrent.ID)
}

func TestStartedStoppedLoopCreditsNothing(t *testing.T) {
	f := newFixture(t, settings.Default(), collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)

	const tb = 1 << 40
	for i := 0; i < 3; i++ {
		_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, tb, 0, 0))
		require.Nil(t, err)
		f.clock.Advance(time.Second)
		_, _, err = f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Stopped, tb, 0, 0))
		require.Nil(t, err)
		f.clock.Advance(time.Second)
	}

	require.Empty(t, f.ledger.Transfers())
}

func TestFreeleechDownloadCreditsNothing(t *testing.T) {
	s := relaxed()
	s.GlobalFreeleech = true
	f := newFixture(t, s, collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)

	_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 0, 0, 10*mb))
	require.Nil(t, err)
	f.clock.Advance(time.Minute)
	_, _, err = f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.None, 0, 4*mb, 6*mb))
	require.Nil(t, err)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, uint64(4*mb), transfers[0].RawDownloaded)
	require.Zero(t, transfers[0].Downloaded)
	require.Zero(t, transfers[0].DownloadMultiplier)
}

func TestEarlyAnnounceIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, settings.Default(), collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)
	start := f.clock.Now()

	_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 0, 0, 0))
	require.Nil(t, err)

	f.clock.Advance(60 * time.Second)
	_, resp, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.None, mb, 0, 0))
	require.Nil(t, resp)
	var ce bittorrent.ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, bittorrent.RateLimited, ce.Kind)
	require.Contains(t, ce.Reason, "3m0s")

	peers, err := f.swarms.Peers(ctx, ihA)
	require.Nil(t, err)
	require.Len(t, peers, 1)
	require.True(t, peers[0].LastAnnounce.Equal(start))
	require.Zero(t, peers[0].Uploaded)

	c, err := f.creds.Get(ctx, token)
	require.Nil(t, err)
	require.Equal(t, uint64(1), c.UsageCount)
	require.Empty(t, f.ledger.Transfers())
	require.Len(t, f.logs.Logs(), 1)

	// Once the interval has passed the transfer since the last accepted
	// announce is credited.
	f.clock.Advance(3 * time.Minute)
	_, _, err = f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.None, 2*mb, 0, 0))
	require.Nil(t, err)
	up, _ := f.ledger.Totals(1)
	require.Equal(t, uint64(2*mb), up)
}

func TestClampedAnnounceCreditsOnlyRawTransfer(t *testing.T) {
	s := settings.Default()
	s.Policy.Frequency = settings.ActionClamp
	f := newFixture(t, s, collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)

	_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 0, 0, 0))
	require.Nil(t, err)

	f.clock.Advance(60 * time.Second)
	_, resp, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.None, mb, 0, 0))
	require.Nil(t, err)
	require.NotNil(t, resp)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, uint64(mb), transfers[0].RawUploaded)
	require.Zero(t, transfers[0].Uploaded)
	require.Len(t, f.logs.Logs(), 1)
}

func TestScrape(t *testing.T) {
	f := newFixture(t, relaxed(), collab.Torrent{})
	ctx := context.Background()
	token := f.issue(t, 1, 1)
	other := f.issue(t, 2, 2)

	_, _, err := f.logic.HandleAnnounce(ctx, announce(token, ihA, bittorrent.Started, 0, 0, 0))
	require.Nil(t, err)
	_, _, err = f.logic.HandleAnnounce(ctx, announce(other, ihB, bittorrent.Started, 0, 0, 10))
	require.Nil(t, err)

	_, resp, err := f.logic.HandleScrape(ctx, &bittorrent.ScrapeRequest{
		Credential: token,
		InfoHashes: []bittorrent.InfoHash{ihA, ihB, ihC},
	})
	require.Nil(t, err)
	require.Equal(t, []bittorrent.Scrape{
		{InfoHash: ihA, Complete: 1},
		{InfoHash: ihB},
		{InfoHash: ihC},
	}, resp.Files)

	require.Nil(t, f.creds.Revoke(ctx, token, "leaked", f.clock.Now()))
	_, resp, err = f.logic.HandleScrape(ctx, &bittorrent.ScrapeRequest{
		Credential: token,
		InfoHashes: []bittorrent.InfoHash{ihA},
	})
	require.Equal(t, credential.ErrRevokedCredential, err)
	require.Nil(t, resp)
}
