package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateOrdersBannedClientsLongestFirst(t *testing.T) {
	s := Default()
	s.BannedClients = []BannedClient{
		{Prefix: "-UT", Reason: "utorrent"},
		{Prefix: "-UT3", Reason: "utorrent 3"},
		{Prefix: "-UT35", Reason: "utorrent 3.5"},
	}
	require.Nil(t, s.Validate())
	require.Equal(t, "-UT35", s.BannedClients[0].Prefix)
	require.Equal(t, "-UT3", s.BannedClients[1].Prefix)
	require.Equal(t, "-UT", s.BannedClients[2].Prefix)
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	s := Default()
	s.Policy.Speed = "explode"
	require.ErrorIs(t, s.Validate(), ErrInvalidAction)
}

func TestValidateFillsDefaults(t *testing.T) {
	var s Settings
	require.Nil(t, s.Validate())
	def := Default()
	require.Equal(t, def.AnnounceInterval, s.AnnounceInterval)
	require.Equal(t, def.AnnounceInterval/2, s.MinAnnounceInterval)
	require.Equal(t, 24, s.MultiLocationIPv4Bits)
	require.Equal(t, 64, s.MultiLocationIPv6Bits)
	require.Equal(t, ActionReject, s.Policy.Frequency)
	require.Equal(t, ActionLog, s.Policy.Speed)
}

func TestStaticWithIntervalRejectsEarlyAnnounces(t *testing.T) {
	sp, err := NewStatic(Settings{EnforcedMinAnnounceInterval: time.Minute})
	require.Nil(t, err)
	require.Equal(t, ActionReject, sp.Settings().Policy.Frequency)
	require.Equal(t, time.Minute, sp.Settings().EnforcedMinAnnounceInterval)
}

const settingsYAML = `
settings:
  announce_interval: 20m
  enforced_min_announce_interval: 3m
  global_freeleech: true
  policy:
    frequency: reject
    speed: clamp
  banned_clients:
    - prefix: "-XL"
      reason: "leeching client"
`

func writeSettings(t *testing.T, dir, body string) string {
	path := filepath.Join(dir, "settings.yaml")
	require.Nil(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseFile(t *testing.T) {
	path := writeSettings(t, t.TempDir(), settingsYAML)

	s, err := ParseFile(path)
	require.Nil(t, err)
	require.Equal(t, 20*time.Minute, s.AnnounceInterval)
	require.Equal(t, 3*time.Minute, s.EnforcedMinAnnounceInterval)
	require.True(t, s.GlobalFreeleech)
	require.Equal(t, ActionClamp, s.Policy.Speed)
	require.Equal(t, ActionLog, s.Policy.MultiLocation)
	require.Len(t, s.BannedClients, 1)

	// Keys absent from the file keep their defaults.
	require.True(t, s.MultiLocationDetection)
}

func TestFileReload(t *testing.T) {
	dir := t.TempDir()
	path := writeSettings(t, dir, settingsYAML)

	f, err := NewFile(path, 0)
	require.Nil(t, err)
	defer func() { f.Stop().Wait() }()
	require.True(t, f.Settings().GlobalFreeleech)

	writeSettings(t, dir, "settings:\n  global_freeleech: false\n")
	f.Reload()
	require.Eventually(t, func() bool {
		return !f.Settings().GlobalFreeleech
	}, 2*time.Second, 10*time.Millisecond)

	// A broken file keeps the previous snapshot.
	writeSettings(t, dir, "settings: [")
	f.Reload()
	time.Sleep(50 * time.Millisecond)
	require.False(t, f.Settings().GlobalFreeleech)
	require.Equal(t, Default().AnnounceInterval, f.Settings().AnnounceInterval)
}
