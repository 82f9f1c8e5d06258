// Package collab defines the services the tracker consumes but does not own:
// the torrent directory, the transfer ledger, the ban escalator and the cheat
// log store.
package collab

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
)

// ErrTorrentNotFound is returned by a TorrentDirectory for an unregistered
// infohash.
var ErrTorrentNotFound = errors.New("torrent not found")

// ErrDropped is returned by an async collaborator whose queue was full.
var ErrDropped = errors.New("collaborator queue full, call dropped")

// Torrent is the directory entry of a registered torrent.
type Torrent struct {
	ID           bittorrent.TorrentID `json:"id"`
	InfoHash     bittorrent.InfoHash  `json:"-"`
	IsFree       bool                 `json:"is_free"`
	DoubleUpload bool                 `json:"double_upload"`

	// Per-torrent multipliers; zero means 1.
	UploadMultiplier   float64 `json:"upload_multiplier"`
	DownloadMultiplier float64 `json:"download_multiplier"`
}

// TorrentDirectory resolves infohashes to registered torrents.
type TorrentDirectory interface {
	Lookup(ctx context.Context, ih bittorrent.InfoHash) (*Torrent, error)
}

// Transfer is the ratio impact of one accepted announce.
type Transfer struct {
	UserID    bittorrent.UserID
	TorrentID bittorrent.TorrentID

	// Raw byte deltas as reported by the client.
	RawUploaded   uint64
	RawDownloaded uint64

	UploadMultiplier   float64
	DownloadMultiplier float64

	// Nominal deltas are the raw deltas scaled by the multipliers.
	Uploaded   uint64
	Downloaded uint64
}

// IsZero reports whether the transfer has no ratio impact.
func (t Transfer) IsZero() bool {
	return t.Uploaded == 0 && t.Downloaded == 0
}

// LogFields renders the transfer as a set of log fields.
func (t Transfer) LogFields() log.Fields {
	return log.Fields{
		"userID":             t.UserID,
		"torrentID":          t.TorrentID,
		"rawUploaded":        t.RawUploaded,
		"rawDownloaded":      t.RawDownloaded,
		"uploadMultiplier":   t.UploadMultiplier,
		"downloadMultiplier": t.DownloadMultiplier,
		"uploaded":           t.Uploaded,
		"downloaded":         t.Downloaded,
	}
}

// Ledger records user transfers for ratio accounting.
type Ledger interface {
	RecordTransfer(ctx context.Context, t Transfer) error
}

// Escalator notifies the ban service that a user crossed the warning
// threshold.
type Escalator interface {
	Escalate(ctx context.Context, userID bittorrent.UserID, cheatLogID uuid.UUID) error
}

// DetectionType names the anti-cheat check that raised a CheatLog.
type DetectionType string

// The detection types.
const (
	DetectionFrequency     DetectionType = "frequency"
	DetectionSpeed         DetectionType = "speed"
	DetectionMultiLocation DetectionType = "multi-location"
	DetectionIPChange      DetectionType = "ip-change"
	DetectionOther         DetectionType = "other"
)

// Severity grades a CheatLog.
type Severity string

// The severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// CheatLog is an append-only record of a detected anomaly. Processed is only
// ever set by the moderation workflow.
type CheatLog struct {
	ID            uuid.UUID            `json:"id"`
	UserID        bittorrent.UserID    `json:"user_id"`
	TorrentID     bittorrent.TorrentID `json:"torrent_id,omitempty"`
	DetectionType DetectionType        `json:"detection_type"`
	Severity      Severity             `json:"severity"`
	IP            netip.Addr           `json:"ip"`
	Timestamp     time.Time            `json:"timestamp"`
	Details       string               `json:"details"`
	Processed     bool                 `json:"processed"`
}

// LogFields renders the cheat log as a set of log fields.
func (c CheatLog) LogFields() log.Fields {
	return log.Fields{
		"id":            c.ID,
		"userID":        c.UserID,
		"torrentID":     c.TorrentID,
		"detectionType": c.DetectionType,
		"severity":      c.Severity,
		"ip":            c.IP,
		"details":       c.Details,
	}
}

// CheatLogSink persists CheatLogs.
type CheatLogSink interface {
	Append(ctx context.Context, c CheatLog) error
}
