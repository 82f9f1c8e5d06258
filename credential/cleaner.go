package credential

import (
	"context"
	"sync"
	"time"

	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
	"github.com/chihaya/warden/pkg/timecache"
	"github.com/chihaya/warden/settings"
)

// Cleaner periodically deletes credentials that were idle for longer than
// the configured inactivity cleanup age.
type Cleaner struct {
	store    Store
	settings settings.Provider
	clock    timecache.Clock
	closing  chan struct{}
	wg       sync.WaitGroup
}

var _ stop.Stopper = &Cleaner{}

// NewCleaner starts a Cleaner running every interval.
func NewCleaner(store Store, provider settings.Provider, clock timecache.Clock, interval time.Duration) *Cleaner {
	c := &Cleaner{
		store:    store,
		settings: provider,
		clock:    clock,
		closing:  make(chan struct{}),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.closing:
				return
			case <-t.C:
				if _, err := c.Clean(context.Background()); err != nil {
					log.Error("credential: cleanup failed", log.Err(err))
				}
			}
		}
	}()

	return c
}

// Clean runs one cleanup pass. A zero cleanup age disables cleanup.
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	age := c.settings.Settings().CredentialInactivityCleanup
	if age <= 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := c.store.CleanupInactive(ctx, c.clock.Now().Add(-age))
	if err != nil {
		return n, err
	}
	log.Debug("credential: cleanup finished", log.Fields{
		"deleted":  n,
		"timeTook": time.Since(start),
	})
	return n, nil
}

// Stop implements stop.Stopper for a Cleaner.
func (c *Cleaner) Stop() stop.Result {
	ch := make(stop.Channel)
	go func() {
		close(c.closing)
		c.wg.Wait()
		ch.Done()
	}()
	return ch.Result()
}
