package settings

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
)

// Provider hands out the current Settings snapshot.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Settings() *Settings
}

// Static is a Provider that always returns the same Settings.
type Static struct {
	s *Settings
}

// NewStatic validates s and wraps it in a Static Provider.
func NewStatic(s Settings) (*Static, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Static{s: &s}, nil
}

// Settings implements Provider for Static.
func (p *Static) Settings() *Settings { return p.s }

// siteFile is the on-disk layout of a settings file.
type siteFile struct {
	Settings Settings `yaml:"settings"`
}

// ParseFile reads and validates a YAML settings file. Unset keys take their
// default values.
func ParseFile(path string) (*Settings, error) {
	b, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}

	f := siteFile{Settings: Default()}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := f.Settings.Validate(); err != nil {
		return nil, err
	}
	return &f.Settings, nil
}

// File is a Provider backed by a YAML file that is re-read periodically and
// on demand. A failed reload keeps the previous snapshot.
type File struct {
	path    string
	current atomic.Value
	reload  chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ stop.Stopper = &File{}

// NewFile parses the file at path and starts refreshing it every interval.
// An interval <= 0 disables periodic refresh.
func NewFile(path string, interval time.Duration) (*File, error) {
	s, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	f := &File{
		path:    path,
		reload:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	f.current.Store(s)
	log.Info("loaded settings", s)

	f.wg.Add(1)
	go f.run(interval)

	return f, nil
}

// Settings implements Provider for File.
func (f *File) Settings() *Settings {
	return f.current.Load().(*Settings)
}

// Reload requests an out-of-band re-read of the settings file.
func (f *File) Reload() {
	select {
	case f.reload <- struct{}{}:
	default:
	}
}

func (f *File) run(interval time.Duration) {
	defer f.wg.Done()

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-f.closing:
			return
		case <-tick:
		case <-f.reload:
		}

		s, err := ParseFile(f.path)
		if err != nil {
			log.Error("failed to reload settings, keeping previous", log.Err(err))
			continue
		}
		f.current.Store(s)
		log.Debug("reloaded settings", s)
	}
}

// Stop implements stop.Stopper for File.
func (f *File) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(f.closing)
		f.wg.Wait()
		c.Done()
	}()
	return c.Result()
}
