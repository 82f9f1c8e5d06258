package anticheat

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/settings"
	"github.com/chihaya/warden/storage"
)

// checkFrequency flags an announce sent sooner than the enforced minimum
// interval after the previous one. Stops and completions are exempt since
// clients send them out of schedule.
func checkFrequency(s *settings.Settings, a *storage.Announce, prev *storage.Peer) *Flag {
	if prev == nil || s.EnforcedMinAnnounceInterval <= 0 {
		return nil
	}
	if a.Event == bittorrent.Stopped || a.Event == bittorrent.Completed {
		return nil
	}

	elapsed := a.Now.Sub(prev.LastAnnounce)
	if elapsed >= s.EnforcedMinAnnounceInterval {
		return nil
	}
	return &Flag{
		Type:     collab.DetectionFrequency,
		Severity: collab.SeverityLow,
		Action:   s.Policy.Frequency,
		Details:  fmt.Sprintf("announced %s after the previous announce, enforced minimum is %s", elapsed.Round(time.Second), s.EnforcedMinAnnounceInterval),
	}
}

// checkAnnounceRate flags a user the moment their announces across all
// torrents exceed the per-minute threshold. It fires once per burst.
func checkAnnounceRate(s *settings.Settings, rate int) *Flag {
	if s.CheatWarningAnnounceThreshold <= 0 || rate != s.CheatWarningAnnounceThreshold+1 {
		return nil
	}
	return &Flag{
		Type:     collab.DetectionFrequency,
		Severity: collab.SeverityLow,
		Action:   s.Policy.AnnounceRate,
		Details:  fmt.Sprintf("%d announces within %s, threshold is %d", rate, rateWindow, s.CheatWarningAnnounceThreshold),
	}
}

// checkSpeed flags raw transfer rates above the configured maxima. Short
// intervals and session baselines are skipped.
func checkSpeed(s *settings.Settings, prev *storage.Peer, d storage.Delta) *Flag {
	if !s.SpeedCheck || prev == nil || d.Baseline || d.Elapsed <= 0 || d.Elapsed < s.MinSpeedCheckInterval {
		return nil
	}

	secs := d.Elapsed.Seconds()
	var reasons []string
	if down := float64(d.Downloaded) / secs; s.MaxDownloadSpeed > 0 && down > float64(s.MaxDownloadSpeed) {
		reasons = append(reasons, fmt.Sprintf("download %.0f B/s exceeds %d B/s", down, s.MaxDownloadSpeed))
	}
	if up := float64(d.Uploaded) / secs; s.MaxUploadSpeed > 0 && up > float64(s.MaxUploadSpeed) {
		reasons = append(reasons, fmt.Sprintf("upload %.0f B/s exceeds %d B/s", up, s.MaxUploadSpeed))
	}
	if len(reasons) == 0 {
		return nil
	}
	return &Flag{
		Type:     collab.DetectionSpeed,
		Severity: collab.SeverityHigh,
		Action:   s.Policy.Speed,
		Details:  strings.Join(reasons, "; ") + fmt.Sprintf(" over %s", d.Elapsed.Round(time.Second)),
	}
}

// checkMultiLocation flags a user announcing the same torrent from another
// network while the previous location is still within the detection window.
func checkMultiLocation(s *settings.Settings, a *storage.Announce, prev *storage.Peer) *Flag {
	if !s.MultiLocationDetection || prev == nil {
		return nil
	}
	if a.Now.Sub(prev.LastAnnounce) > s.MultiLocationWindow {
		return nil
	}

	from, to := prev.Addr(), a.Peer.Addr()
	if sameNetwork(from, to, s.MultiLocationIPv4Bits, s.MultiLocationIPv6Bits) {
		return nil
	}
	return &Flag{
		Type:     collab.DetectionMultiLocation,
		Severity: collab.SeverityMedium,
		Action:   s.Policy.MultiLocation,
		Details:  fmt.Sprintf("announced from %s while %s was active %s ago", to, from, a.Now.Sub(prev.LastAnnounce).Round(time.Second)),
	}
}

// checkIPChange flags an address change when changes are disallowed or come
// faster than the minimum interval.
func checkIPChange(s *settings.Settings, a *storage.Announce, prev *storage.Peer) *Flag {
	if prev == nil {
		return nil
	}

	from, to := prev.Addr().Unmap(), a.Peer.Addr().Unmap()
	if from == to {
		return nil
	}

	elapsed := a.Now.Sub(prev.LastAnnounce)
	var details string
	switch {
	case !s.AllowIPChange:
		details = fmt.Sprintf("address changed from %s to %s", from, to)
	case elapsed < s.MinIPChangeInterval:
		details = fmt.Sprintf("address changed from %s to %s after %s, minimum is %s", from, to, elapsed.Round(time.Second), s.MinIPChangeInterval)
	default:
		return nil
	}
	return &Flag{
		Type:     collab.DetectionIPChange,
		Severity: collab.SeverityLow,
		Action:   s.Policy.IPChange,
		Details:  details,
	}
}

// sameNetwork reports whether a and b fall in the same prefix of the given
// length for their family. Addresses of different families never match.
func sameNetwork(a, b netip.Addr, v4Bits, v6Bits int) bool {
	a, b = a.Unmap(), b.Unmap()
	if a.Is4() != b.Is4() {
		return false
	}

	bits := v6Bits
	if a.Is4() {
		bits = v4Bits
	}
	p, err := a.Prefix(bits)
	if err != nil {
		return a == b
	}
	return p.Contains(b)
}
