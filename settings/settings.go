// Package settings holds the site-wide tracker settings consumed by the
// announce path, and providers that refresh them periodically.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chihaya/warden/pkg/log"
)

// Action is what the tracker does with an announce that raised a cheat flag.
type Action string

const (
	// ActionLog records the flag and otherwise accepts the announce.
	ActionLog Action = "log"
	// ActionClamp accepts the announce but credits no transfer for it.
	ActionClamp Action = "clamp"
	// ActionReject fails the announce without mutating any state.
	ActionReject Action = "reject"
)

// Policy maps each detection to an Action.
type Policy struct {
	Frequency     Action `yaml:"frequency"`
	AnnounceRate  Action `yaml:"announce_rate"`
	Speed         Action `yaml:"speed"`
	MultiLocation Action `yaml:"multi_location"`
	IPChange      Action `yaml:"ip_change"`
}

// BannedClient is a client software prefix that may not announce.
type BannedClient struct {
	Prefix string `yaml:"prefix"`
	Reason string `yaml:"reason"`
}

// Settings is a read-only snapshot of the site settings. A *Settings handed
// out by a Provider must not be mutated.
type Settings struct {
	AnnounceInterval            time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval         time.Duration `yaml:"min_announce_interval"`
	EnforcedMinAnnounceInterval time.Duration `yaml:"enforced_min_announce_interval"`

	MultiLocationDetection bool          `yaml:"multi_location_detection"`
	MultiLocationWindow    time.Duration `yaml:"multi_location_window"`
	MultiLocationIPv4Bits  int           `yaml:"multi_location_ipv4_bits"`
	MultiLocationIPv6Bits  int           `yaml:"multi_location_ipv6_bits"`

	AllowIPChange       bool          `yaml:"allow_ip_change"`
	MinIPChangeInterval time.Duration `yaml:"min_ip_change_interval"`

	SpeedCheck            bool          `yaml:"speed_check"`
	MinSpeedCheckInterval time.Duration `yaml:"min_speed_check_interval"`
	MaxDownloadSpeed      uint64        `yaml:"max_download_speed"`
	MaxUploadSpeed        uint64        `yaml:"max_upload_speed"`

	// CheatWarningAnnounceThreshold is in announces per minute per user.
	CheatWarningAnnounceThreshold int `yaml:"cheat_warning_announce_threshold"`
	AutoBanAfterCheatWarnings     int `yaml:"auto_ban_after_cheat_warnings"`

	CredentialInactivityCleanup time.Duration `yaml:"credential_inactivity_cleanup"`

	GlobalFreeleech    bool `yaml:"global_freeleech"`
	GlobalDoubleUpload bool `yaml:"global_double_upload"`

	Policy        Policy         `yaml:"policy"`
	BannedClients []BannedClient `yaml:"banned_clients"`
}

// Default returns the settings used for any value left unset.
func Default() Settings {
	return Settings{
		AnnounceInterval:              30 * time.Minute,
		MinAnnounceInterval:           15 * time.Minute,
		EnforcedMinAnnounceInterval:   3 * time.Minute,
		MultiLocationDetection:        true,
		MultiLocationWindow:           30 * time.Minute,
		MultiLocationIPv4Bits:         24,
		MultiLocationIPv6Bits:         64,
		AllowIPChange:                 true,
		MinIPChangeInterval:           10 * time.Minute,
		SpeedCheck:                    true,
		MinSpeedCheckInterval:         5 * time.Minute,
		MaxDownloadSpeed:              100 << 20,
		MaxUploadSpeed:                100 << 20,
		CheatWarningAnnounceThreshold: 10,
		AutoBanAfterCheatWarnings:     10,
		CredentialInactivityCleanup:   90 * 24 * time.Hour,
		Policy: Policy{
			Frequency:     ActionReject,
			AnnounceRate:  ActionLog,
			Speed:         ActionLog,
			MultiLocation: ActionLog,
			IPChange:      ActionLog,
		},
	}
}

// ErrInvalidAction is returned for a policy entry that is not one of the
// known Actions.
var ErrInvalidAction = errors.New("invalid policy action")

// Validate sanitizes the settings, replacing unset values with defaults, and
// orders the banned clients longest prefix first.
func (s *Settings) Validate() error {
	def := Default()

	if s.AnnounceInterval <= 0 {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "AnnounceInterval",
			"provided": s.AnnounceInterval,
			"default":  def.AnnounceInterval,
		})
		s.AnnounceInterval = def.AnnounceInterval
	}
	if s.MinAnnounceInterval <= 0 || s.MinAnnounceInterval > s.AnnounceInterval {
		s.MinAnnounceInterval = s.AnnounceInterval / 2
	}
	if s.EnforcedMinAnnounceInterval < 0 {
		s.EnforcedMinAnnounceInterval = 0
	}
	if s.MultiLocationWindow <= 0 {
		s.MultiLocationWindow = def.MultiLocationWindow
	}
	if s.MultiLocationIPv4Bits <= 0 || s.MultiLocationIPv4Bits > 32 {
		s.MultiLocationIPv4Bits = def.MultiLocationIPv4Bits
	}
	if s.MultiLocationIPv6Bits <= 0 || s.MultiLocationIPv6Bits > 128 {
		s.MultiLocationIPv6Bits = def.MultiLocationIPv6Bits
	}
	if s.MinSpeedCheckInterval <= 0 {
		s.MinSpeedCheckInterval = def.MinSpeedCheckInterval
	}

	for _, p := range []struct{ a, def *Action }{
		{&s.Policy.Frequency, &def.Policy.Frequency},
		{&s.Policy.AnnounceRate, &def.Policy.AnnounceRate},
		{&s.Policy.Speed, &def.Policy.Speed},
		{&s.Policy.MultiLocation, &def.Policy.MultiLocation},
		{&s.Policy.IPChange, &def.Policy.IPChange},
	} {
		switch a := p.a; *a {
		case "":
			*a = *p.def
		case ActionLog, ActionClamp, ActionReject:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidAction, *a)
		}
	}

	for _, bc := range s.BannedClients {
		if bc.Prefix == "" {
			return errors.New("banned client with empty prefix")
		}
	}
	sort.SliceStable(s.BannedClients, func(i, j int) bool {
		return len(s.BannedClients[i].Prefix) > len(s.BannedClients[j].Prefix)
	})

	return nil
}

// LogFields renders the settings as a set of log fields.
func (s *Settings) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":            s.AnnounceInterval,
		"minAnnounceInterval":         s.MinAnnounceInterval,
		"enforcedMinAnnounceInterval": s.EnforcedMinAnnounceInterval,
		"multiLocationDetection":      s.MultiLocationDetection,
		"allowIPChange":               s.AllowIPChange,
		"speedCheck":                  s.SpeedCheck,
		"autoBanAfterCheatWarnings":   s.AutoBanAfterCheatWarnings,
		"globalFreeleech":             s.GlobalFreeleech,
		"globalDoubleUpload":          s.GlobalDoubleUpload,
		"bannedClients":               len(s.BannedClients),
	}
}
