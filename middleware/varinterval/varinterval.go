// Package varinterval adds a per-user random delay to the announce interval
// so that clients started at the same moment drift apart.
package varinterval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/xorshift"
)

// Name is the name by which this middleware is registered.
const Name = "interval variation"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte, _ middleware.Env) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %w", Name, err)
	}

	return NewHook(cfg)
}

// ErrInvalidModifyResponseProbability is returned for a config with an invalid
// ModifyResponseProbability.
var ErrInvalidModifyResponseProbability = errors.New("invalid modify_response_probability")

// ErrInvalidMaxIncreaseDelta is returned for a config with an invalid
// MaxIncreaseDelta.
var ErrInvalidMaxIncreaseDelta = errors.New("invalid max_increase_delta")

// Config represents the configuration for the varinterval middleware.
type Config struct {
	// ModifyResponseProbability is the probability by which a response will
	// be modified.
	ModifyResponseProbability float32 `yaml:"modify_response_probability"`

	// MaxIncreaseDelta is the amount of seconds that will be added at most.
	MaxIncreaseDelta int `yaml:"max_increase_delta"`

	// ModifyMinInterval specifies whether min_interval should be increased
	// as well.
	ModifyMinInterval bool `yaml:"modify_min_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"modifyResponseProbability": cfg.ModifyResponseProbability,
		"maxIncreaseDelta":          cfg.MaxIncreaseDelta,
		"modifyMinInterval":         cfg.ModifyMinInterval,
	}
}

func checkConfig(cfg Config) error {
	if cfg.ModifyResponseProbability <= 0 || cfg.ModifyResponseProbability > 1 {
		return ErrInvalidModifyResponseProbability
	}

	if cfg.MaxIncreaseDelta <= 0 {
		return ErrInvalidMaxIncreaseDelta
	}

	return nil
}

type hook struct {
	cfg Config
}

// NewHook creates a response hook that randomly increases the announce
// interval. Intervals are only ever increased, never shortened below what
// the tracker settings hand out.
func NewHook(cfg Config) (middleware.Hook, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	log.Info("creating interval variation hook", cfg)

	return &hook{cfg: cfg}, nil
}

// entropy seeds the generator from the swarm and the announcing user, so a
// user gets the same delay on every announce to a torrent even when the
// client restarts with a new peer ID. Without an identity the peer ID is
// used.
func entropy(ctx context.Context, req *bittorrent.AnnounceRequest) (uint64, uint64) {
	v0 := binary.BigEndian.Uint64(req.InfoHash[:8]) + binary.BigEndian.Uint64(req.InfoHash[8:16])
	if id, ok := middleware.IdentityFromContext(ctx); ok {
		return v0, uint64(id.Credential.UserID)<<32 | uint64(id.Torrent.ID)
	}
	v1 := binary.BigEndian.Uint64(req.ID[:8]) + binary.BigEndian.Uint64(req.ID[8:16])
	return v0, v1
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	rng := xorshift.NewXORShift128Plus(entropy(ctx, req))

	// Generate a probability p < 1.0.
	p := float32(xorshift.Intn(rng, 1<<24)) / (1 << 24)
	if h.cfg.ModifyResponseProbability < 1 && p >= h.cfg.ModifyResponseProbability {
		return ctx, nil
	}

	delta := time.Duration(xorshift.Intn(rng, h.cfg.MaxIncreaseDelta)+1) * time.Second
	resp.Interval += delta
	if h.cfg.ModifyMinInterval {
		resp.MinInterval += delta
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes are not altered.
	return ctx, nil
}
