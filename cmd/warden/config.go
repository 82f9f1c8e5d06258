package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chihaya/warden/collab"
	"github.com/chihaya/warden/collab/mongo"
	"github.com/chihaya/warden/collab/postgres"
	collabredis "github.com/chihaya/warden/collab/redis"
	"github.com/chihaya/warden/credential"
	credmemory "github.com/chihaya/warden/credential/memory"
	credredis "github.com/chihaya/warden/credential/redis"
	httpfrontend "github.com/chihaya/warden/frontend/http"
	"github.com/chihaya/warden/middleware"
	"github.com/chihaya/warden/middleware/anticheat"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"

	// Imports to register middleware drivers.
	_ "github.com/chihaya/warden/middleware/varinterval"

	// Imports to register storage drivers.
	_ "github.com/chihaya/warden/storage/memory"
	_ "github.com/chihaya/warden/storage/redis"
)

const (
	defaultSettingsRefresh = time.Minute
	defaultCleanupInterval = time.Hour
)

type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

type credentialConfig struct {
	Backend string            `yaml:"backend"`
	Memory  credmemory.Config `yaml:"memory"`
	Redis   credredis.Config  `yaml:"redis"`
}

// collabConfig picks a backend for each collaborator the tracker reports to.
// Backends are "memory", "redis", "postgres" and, for cheat logs only,
// "mongo".
type collabConfig struct {
	Directory string `yaml:"directory"`
	Ledger    string `yaml:"ledger"`
	Escalator string `yaml:"escalator"`
	CheatLogs string `yaml:"cheat_logs"`
	QueueSize int    `yaml:"queue_size"`

	Redis    collabredis.Config `yaml:"redis"`
	Postgres postgres.Config    `yaml:"postgres"`
	Mongo    mongo.Config       `yaml:"mongo"`
}

// Config represents the configuration used for executing warden.
type Config struct {
	MetricsAddr               string                  `yaml:"metrics_addr"`
	HTTPConfig                httpfrontend.Config     `yaml:"http"`
	SettingsFile              string                  `yaml:"settings_file"`
	SettingsRefreshInterval   time.Duration           `yaml:"settings_refresh_interval"`
	Storage                   storageConfig           `yaml:"storage"`
	Credentials               credentialConfig        `yaml:"credentials"`
	CredentialCleanupInterval time.Duration           `yaml:"credential_cleanup_interval"`
	AntiCheat                 anticheat.Config        `yaml:"anticheat"`
	Collaborators             collabConfig            `yaml:"collaborators"`
	PreHooks                  []middleware.HookConfig `yaml:"prehooks"`
	ResponseHooks             []middleware.HookConfig `yaml:"responsehooks"`
	PostHooks                 []middleware.HookConfig `yaml:"posthooks"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"metricsAddr":               cfg.MetricsAddr,
		"settingsFile":              cfg.SettingsFile,
		"settingsRefreshInterval":   cfg.SettingsRefreshInterval,
		"storage":                   cfg.Storage.Name,
		"credentials":               cfg.Credentials.Backend,
		"credentialCleanupInterval": cfg.CredentialCleanupInterval,
		"directory":                 cfg.Collaborators.Directory,
		"ledger":                    cfg.Collaborators.Ledger,
		"escalator":                 cfg.Collaborators.Escalator,
		"cheatLogs":                 cfg.Collaborators.CheatLogs,
	}
}

// Validate fills in defaults for unset intervals.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.SettingsRefreshInterval <= 0 {
		validcfg.SettingsRefreshInterval = defaultSettingsRefresh
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "SettingsRefreshInterval",
			"provided": cfg.SettingsRefreshInterval,
			"default":  validcfg.SettingsRefreshInterval,
		})
	}

	if cfg.CredentialCleanupInterval <= 0 {
		validcfg.CredentialCleanupInterval = defaultCleanupInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "CredentialCleanupInterval",
			"provided": cfg.CredentialCleanupInterval,
			"default":  validcfg.CredentialCleanupInterval,
		})
	}

	if cfg.Storage.Name == "" {
		validcfg.Storage.Name = "memory"
	}

	return validcfg
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Warden Config `yaml:"warden"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	contents, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}

// NewCredentialStore creates the configured credential store.
func (cfg credentialConfig) NewCredentialStore() (credential.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return credmemory.New(cfg.Memory)
	case "redis":
		return credredis.New(cfg.Redis)
	}
	return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
}

// collaborators are the external systems the tracker reports to, each
// already wrapped so it never blocks an announce.
type collaborators struct {
	Directory collab.TorrentDirectory
	Ledger    collab.Ledger
	Escalator collab.Escalator
	CheatLogs collab.CheatLogSink

	// stoppers close the dispatcher and then the backend connections.
	stoppers []stop.Stopper
}

// closer adapts a backend's Close to stop.Stopper.
type closer func() error

func (c closer) Stop() stop.Result {
	ch := make(stop.Channel)
	go func() { ch.Done(c()) }()
	return ch.Result()
}

// NewCollaborators connects the backends named in cfg. Ledger, escalator and
// cheat log writes go through one Dispatcher.
func (cfg collabConfig) NewCollaborators() (*collaborators, error) {
	var (
		c   collaborators
		rc  *collabredis.Client
		pg  *postgres.DB
		mg  *mongo.Sink
		err error
	)

	uses := func(backend string) bool {
		for _, b := range []string{cfg.Directory, cfg.Ledger, cfg.Escalator, cfg.CheatLogs} {
			if b == backend {
				return true
			}
		}
		return false
	}

	if uses("redis") {
		if rc, err = collabredis.New(cfg.Redis); err != nil {
			return nil, err
		}
		c.stoppers = append(c.stoppers, closer(rc.Close))
	}
	if uses("postgres") {
		if pg, err = postgres.New(cfg.Postgres); err != nil {
			return nil, err
		}
		c.stoppers = append(c.stoppers, closer(pg.Close))
	}
	if uses("mongo") {
		if mg, err = mongo.New(cfg.Mongo); err != nil {
			return nil, err
		}
		c.stoppers = append(c.stoppers, closer(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mg.Close(ctx)
		}))
	}

	switch cfg.Directory {
	case "", "memory":
		c.Directory = collab.NewDirectory()
	case "redis":
		c.Directory = rc
	case "postgres":
		c.Directory = pg
	default:
		return nil, fmt.Errorf("unknown torrent directory backend %q", cfg.Directory)
	}

	var ledger collab.Ledger
	switch cfg.Ledger {
	case "", "memory":
		ledger = &collab.MemoryLedger{}
	case "redis":
		ledger = rc
	case "postgres":
		ledger = pg
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger)
	}

	var escalator collab.Escalator
	switch cfg.Escalator {
	case "", "memory":
		escalator = &collab.MemoryEscalator{}
	case "redis":
		escalator = rc
	case "postgres":
		escalator = pg
	default:
		return nil, fmt.Errorf("unknown escalator backend %q", cfg.Escalator)
	}

	var sink collab.CheatLogSink
	switch cfg.CheatLogs {
	case "", "memory":
		sink = &collab.MemoryCheatLogs{}
	case "redis":
		sink = rc
	case "mongo":
		sink = mg
	default:
		return nil, fmt.Errorf("unknown cheat log backend %q", cfg.CheatLogs)
	}

	d := collab.NewDispatcher(cfg.QueueSize)
	c.Ledger = collab.AsyncLedger{Ledger: ledger, Dispatcher: d}
	c.Escalator = collab.AsyncEscalator{Escalator: escalator, Dispatcher: d}
	c.CheatLogs = collab.AsyncCheatLogSink{Sink: sink, Dispatcher: d}
	c.stoppers = append(c.stoppers, d)

	return &c, nil
}
