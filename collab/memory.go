package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chihaya/warden/bittorrent"
)

// Directory is an in-memory TorrentDirectory.
type Directory struct {
	mu       sync.RWMutex
	torrents map[bittorrent.InfoHash]Torrent
}

// NewDirectory returns a Directory holding the given torrents.
func NewDirectory(torrents ...Torrent) *Directory {
	d := &Directory{torrents: make(map[bittorrent.InfoHash]Torrent)}
	for _, t := range torrents {
		d.Put(t)
	}
	return d
}

// Put registers or replaces a torrent.
func (d *Directory) Put(t Torrent) {
	d.mu.Lock()
	d.torrents[t.InfoHash] = t
	d.mu.Unlock()
}

// Lookup implements TorrentDirectory.
func (d *Directory) Lookup(_ context.Context, ih bittorrent.InfoHash) (*Torrent, error) {
	d.mu.RLock()
	t, ok := d.torrents[ih]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrTorrentNotFound
	}
	return &t, nil
}

// MemoryLedger is a Ledger keeping every transfer in memory.
type MemoryLedger struct {
	mu        sync.Mutex
	transfers []Transfer
}

// RecordTransfer implements Ledger.
func (l *MemoryLedger) RecordTransfer(_ context.Context, t Transfer) error {
	l.mu.Lock()
	l.transfers = append(l.transfers, t)
	l.mu.Unlock()
	return nil
}

// Totals sums the nominal transfer of a user.
func (l *MemoryLedger) Totals(userID bittorrent.UserID) (uploaded, downloaded uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.transfers {
		if t.UserID == userID {
			uploaded += t.Uploaded
			downloaded += t.Downloaded
		}
	}
	return
}

// Transfers returns a copy of the recorded transfers.
func (l *MemoryLedger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.transfers...)
}

// MemoryCheatLogs is a CheatLogSink keeping every log in memory.
type MemoryCheatLogs struct {
	mu   sync.Mutex
	logs []CheatLog
}

// Append implements CheatLogSink.
func (m *MemoryCheatLogs) Append(_ context.Context, c CheatLog) error {
	m.mu.Lock()
	m.logs = append(m.logs, c)
	m.mu.Unlock()
	return nil
}

// Logs returns a copy of the appended logs.
func (m *MemoryCheatLogs) Logs() []CheatLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheatLog(nil), m.logs...)
}

// Escalation is a recorded call to an Escalator.
type Escalation struct {
	UserID     bittorrent.UserID
	CheatLogID uuid.UUID
}

// MemoryEscalator is an Escalator keeping every escalation in memory.
type MemoryEscalator struct {
	mu          sync.Mutex
	escalations []Escalation
}

// Escalate implements Escalator.
func (m *MemoryEscalator) Escalate(_ context.Context, userID bittorrent.UserID, cheatLogID uuid.UUID) error {
	m.mu.Lock()
	m.escalations = append(m.escalations, Escalation{UserID: userID, CheatLogID: cheatLogID})
	m.mu.Unlock()
	return nil
}

// Escalations returns a copy of the recorded escalations.
func (m *MemoryEscalator) Escalations() []Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Escalation(nil), m.escalations...)
}
