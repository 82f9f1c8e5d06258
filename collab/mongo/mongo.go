// Package mongo implements a collab.CheatLogSink backed by a MongoDB
// collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/pkg/log"
)

// Config holds the configuration of the MongoDB cheat log sink.
type Config struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

const defaultCollection = "cheat_logs"

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"database":   cfg.Database,
		"collection": cfg.Collection,
	}
}

// document is the stored shape of a CheatLog.
type document struct {
	ID            string    `bson:"_id"`
	UserID        uint32    `bson:"user_id"`
	TorrentID     uint32    `bson:"torrent_id,omitempty"`
	DetectionType string    `bson:"detection_type"`
	Severity      string    `bson:"severity"`
	IP            string    `bson:"ip"`
	Timestamp     time.Time `bson:"timestamp"`
	Details       string    `bson:"details"`
	Processed     bool      `bson:"processed"`
}

func toDocument(c collab.CheatLog) document {
	return document{
		ID:            c.ID.String(),
		UserID:        uint32(c.UserID),
		TorrentID:     uint32(c.TorrentID),
		DetectionType: string(c.DetectionType),
		Severity:      string(c.Severity),
		IP:            c.IP.String(),
		Timestamp:     c.Timestamp,
		Details:       c.Details,
		Processed:     c.Processed,
	}
}

// Sink is a collab.CheatLogSink writing to MongoDB.
type Sink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ collab.CheatLogSink = &Sink{}

// New connects to MongoDB and ensures the indexes used by the moderation
// workflow exist.
func New(cfg Config) (*Sink, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("collab/mongo: must specify uri and database")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetMaxConnIdleTime(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "processed", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Info("connected to cheat log mongodb", cfg)
	return &Sink{client: client, coll: coll}, nil
}

// Append implements collab.CheatLogSink.
func (s *Sink) Append(ctx context.Context, c collab.CheatLog) error {
	_, err := s.coll.InsertOne(ctx, toDocument(c))
	return err
}

// Unprocessed counts the unprocessed logs of a user.
func (s *Sink) Unprocessed(ctx context.Context, userID bittorrent.UserID) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.D{
		{Key: "user_id", Value: uint32(userID)},
		{Key: "processed", Value: false},
	})
}

// Close disconnects from MongoDB.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
