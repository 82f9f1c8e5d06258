// Package postgres implements the torrent directory, ledger and escalator on
// the site's PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	// enable postgres driver for database/sql
	_ "github.com/lib/pq"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/pkg/log"
)

// Schema creates the tables this package reads and writes when they do not
// exist yet. Sites that own these tables can skip it.
const Schema = `
CREATE TABLE IF NOT EXISTS torrent (
    torrent_id    integer PRIMARY KEY,
    info_hash     bytea NOT NULL UNIQUE CHECK (octet_length(info_hash) = 20),
    is_free       boolean NOT NULL DEFAULT false,
    double_upload boolean NOT NULL DEFAULT false,
    multi_up      double precision NOT NULL DEFAULT 1,
    multi_dn      double precision NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_transfer (
    user_id        integer PRIMARY KEY,
    uploaded       bigint NOT NULL DEFAULT 0,
    downloaded     bigint NOT NULL DEFAULT 0,
    raw_uploaded   bigint NOT NULL DEFAULT 0,
    raw_downloaded bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ban_escalation (
    user_id      integer NOT NULL,
    cheat_log_id uuid NOT NULL,
    created_at   timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, cheat_log_id)
);
`

// Config holds the configuration of the PostgreSQL collaborators.
type Config struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	CreateSchema    bool          `yaml:"create_schema"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"maxOpenConns":    cfg.MaxOpenConns,
		"connMaxLifetime": cfg.ConnMaxLifetime,
		"createSchema":    cfg.CreateSchema,
	}
}

// DB implements collab.TorrentDirectory, collab.Ledger and collab.Escalator.
type DB struct {
	db *sql.DB
}

var (
	_ collab.TorrentDirectory = &DB{}
	_ collab.Ledger           = &DB{}
	_ collab.Escalator        = &DB{}
)

// New opens the database and checks the connection.
func New(cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("collab/postgres: must specify url")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// the connection is only established by the first statement
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot connect to Postgres: %w", err)
	}

	if cfg.CreateSchema {
		if _, err := db.ExecContext(ctx, Schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot apply database schema: %w", err)
		}
	}

	log.Info("connected to collaborator postgres", cfg)
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Lookup implements collab.TorrentDirectory.
func (d *DB) Lookup(ctx context.Context, ih bittorrent.InfoHash) (*collab.Torrent, error) {
	t := &collab.Torrent{InfoHash: ih}
	err := d.db.QueryRowContext(ctx, `
		SELECT torrent_id, is_free, double_upload, multi_up, multi_dn
		FROM torrent WHERE info_hash = $1`, ih[:]).
		Scan(&t.ID, &t.IsFree, &t.DoubleUpload, &t.UploadMultiplier, &t.DownloadMultiplier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.ErrTorrentNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RecordTransfer implements collab.Ledger.
func (d *DB) RecordTransfer(ctx context.Context, t collab.Transfer) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_transfer (user_id, uploaded, downloaded, raw_uploaded, raw_downloaded)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			uploaded = user_transfer.uploaded + EXCLUDED.uploaded,
			downloaded = user_transfer.downloaded + EXCLUDED.downloaded,
			raw_uploaded = user_transfer.raw_uploaded + EXCLUDED.raw_uploaded,
			raw_downloaded = user_transfer.raw_downloaded + EXCLUDED.raw_downloaded`,
		int64(t.UserID), int64(t.Uploaded), int64(t.Downloaded), int64(t.RawUploaded), int64(t.RawDownloaded))
	return err
}

// Escalate implements collab.Escalator.
func (d *DB) Escalate(ctx context.Context, userID bittorrent.UserID, cheatLogID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO ban_escalation (user_id, cheat_log_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, int64(userID), cheatLogID.String())
	return err
}
