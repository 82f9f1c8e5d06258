// Package middleware implements the TrackerLogic interface: the announce
// orchestrator and the hooks configured around it.
package middleware

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/settings"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)

	// ErrDriverDoesNotExist is the error returned by New when a middleware
	// driver with that name does not exist.
	ErrDriverDoesNotExist = errors.New("middleware driver with that name does not exist")
)

// Env is the tracker state a Driver may build its Hook on.
type Env struct {
	// Settings is the live site settings provider. Hooks should read it on
	// every request instead of copying values at construction.
	Settings settings.Provider
}

// Driver is the interface used to initialize a new type of middleware.
//
// The options parameter is YAML encoded bytes that should be unmarshalled into
// the hook's custom configuration.
type Driver interface {
	NewHook(options []byte, env Env) (Hook, error)
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("middleware: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("middleware: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("middleware: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversM.RLock()
	defer driversM.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a Hook with the driver registered as name.
//
// An unknown name returns an error wrapping ErrDriverDoesNotExist.
func New(name string, optionBytes []byte, env Env) (Hook, error) {
	driversM.RLock()
	d, ok := drivers[name]
	driversM.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q, registered: %v", ErrDriverDoesNotExist, name, Drivers())
	}

	return d.NewHook(optionBytes, env)
}

// HookConfig is the generic configuration format used for all registered Hooks.
type HookConfig struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options"`
}

// LogFields renders the hook config as a set of log fields.
func (cfg HookConfig) LogFields() log.Fields {
	return log.Fields{
		"name":    cfg.Name,
		"options": cfg.Options,
	}
}

// HooksFromHookConfigs builds one stage of hooks, in order, against env.
func HooksFromHookConfigs(cfgs []HookConfig, env Env) ([]Hook, error) {
	hooks := make([]Hook, 0, len(cfgs))
	for _, cfg := range cfgs {
		// Marshal the options back into bytes.
		optionBytes, err := yaml.Marshal(cfg.Options)
		if err != nil {
			return nil, err
		}

		h, err := New(cfg.Name, optionBytes, env)
		if err != nil {
			return nil, err
		}
		log.Debug("created middleware hook", cfg)

		hooks = append(hooks, h)
	}

	return hooks, nil
}
