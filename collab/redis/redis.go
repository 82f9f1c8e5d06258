// Package redis implements the collaborator interfaces on top of the site's
// Redis instance, which the rest of the site populates and drains.
//
// Keys:
//
//	torrent:<hex infohash>  hash: id, is_free, double_upload, up_mult, down_mult
//	user:<id>:transfer      hash: uploaded, downloaded, raw_uploaded, raw_downloaded
//	cheatlogs               list of JSON CheatLogs, consumed by moderation
//	escalations             list of JSON escalations, consumed by the ban service
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/pkg/log"
)

// Default key names.
const (
	CheatLogsKey   = "cheatlogs"
	EscalationsKey = "escalations"
)

// Config holds the configuration of the Redis collaborators.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"db":           cfg.DB,
		"poolSize":     cfg.PoolSize,
		"dialTimeout":  cfg.DialTimeout,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
	}
}

// Client implements collab.TorrentDirectory, collab.Ledger,
// collab.Escalator and collab.CheatLogSink.
type Client struct {
	rdb *goredis.Client
}

var (
	_ collab.TorrentDirectory = &Client{}
	_ collab.Ledger           = &Client{}
	_ collab.Escalator        = &Client{}
	_ collab.CheatLogSink     = &Client{}
)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("collab/redis: must specify addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("collab/redis: failed to ping: %w", err)
	}

	log.Info("connected to collaborator redis", cfg)
	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func torrentKey(ih bittorrent.InfoHash) string {
	return "torrent:" + ih.String()
}

func transferKey(userID bittorrent.UserID) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10) + ":transfer"
}

// Lookup implements collab.TorrentDirectory.
func (c *Client) Lookup(ctx context.Context, ih bittorrent.InfoHash) (*collab.Torrent, error) {
	fields, err := c.rdb.HGetAll(ctx, torrentKey(ih)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, collab.ErrTorrentNotFound
	}

	id, err := strconv.ParseUint(fields["id"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("collab/redis: torrent %s has invalid id: %w", ih, err)
	}

	t := &collab.Torrent{
		ID:           bittorrent.TorrentID(id),
		InfoHash:     ih,
		IsFree:       fields["is_free"] == "1",
		DoubleUpload: fields["double_upload"] == "1",
	}
	if s, ok := fields["up_mult"]; ok {
		if t.UploadMultiplier, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("collab/redis: torrent %s has invalid up_mult: %w", ih, err)
		}
	}
	if s, ok := fields["down_mult"]; ok {
		if t.DownloadMultiplier, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("collab/redis: torrent %s has invalid down_mult: %w", ih, err)
		}
	}
	return t, nil
}

// RecordTransfer implements collab.Ledger.
func (c *Client) RecordTransfer(ctx context.Context, t collab.Transfer) error {
	key := transferKey(t.UserID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "uploaded", int64(t.Uploaded))
		pipe.HIncrBy(ctx, key, "downloaded", int64(t.Downloaded))
		pipe.HIncrBy(ctx, key, "raw_uploaded", int64(t.RawUploaded))
		pipe.HIncrBy(ctx, key, "raw_downloaded", int64(t.RawDownloaded))
		return nil
	})
	return err
}

type escalation struct {
	UserID     bittorrent.UserID `json:"user_id"`
	CheatLogID uuid.UUID         `json:"cheat_log_id"`
}

// Escalate implements collab.Escalator.
func (c *Client) Escalate(ctx context.Context, userID bittorrent.UserID, cheatLogID uuid.UUID) error {
	b, err := json.Marshal(escalation{UserID: userID, CheatLogID: cheatLogID})
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, EscalationsKey, b).Err()
}

// Append implements collab.CheatLogSink.
func (c *Client) Append(ctx context.Context, cl collab.CheatLog) error {
	b, err := json.Marshal(cl)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, CheatLogsKey, b).Err()
}
