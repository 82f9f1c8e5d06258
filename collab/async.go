package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chihaya/warden/bittorrent"
	"github.com/chihaya/warden/pkg/log"
	"github.com/chihaya/warden/pkg/stop"
)

func init() {
	prometheus.MustRegister(promDroppedTotal, promFailedTotal)
}

var (
	promDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_collab_dropped_total",
		Help: "The number of collaborator calls dropped because the queue was full",
	}, []string{"kind"})

	promFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_collab_failed_total",
		Help: "The number of collaborator calls that returned an error",
	}, []string{"kind"})
)

const defaultQueueSize = 1024

type job struct {
	kind string
	fn   func(context.Context) error
}

// Dispatcher runs collaborator calls off the request path on a single
// background goroutine. A full queue drops the call instead of blocking the
// caller.
type Dispatcher struct {
	queue   chan job
	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ stop.Stopper = &Dispatcher{}

// NewDispatcher starts a Dispatcher with room for size queued calls.
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	d := &Dispatcher{
		queue:   make(chan job, size),
		closing: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit queues fn. It reports false when the call was dropped.
func (d *Dispatcher) Submit(kind string, fn func(context.Context) error) bool {
	select {
	case <-d.closing:
		promDroppedTotal.WithLabelValues(kind).Inc()
		return false
	default:
	}

	select {
	case d.queue <- job{kind: kind, fn: fn}:
		return true
	default:
		promDroppedTotal.WithLabelValues(kind).Inc()
		log.Warn("collab: queue full, dropping call", log.Fields{"kind": kind})
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.exec(j)
		case <-d.closing:
			// Drain whatever was accepted before Stop.
			for {
				select {
				case j := <-d.queue:
					d.exec(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) exec(j job) {
	if err := j.fn(context.Background()); err != nil {
		promFailedTotal.WithLabelValues(j.kind).Inc()
		log.Error("collab: call failed", log.Fields{"kind": j.kind}, log.Err(err))
	}
}

// Stop implements stop.Stopper for a Dispatcher. Queued calls are executed
// before the returned Result completes.
func (d *Dispatcher) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		d.once.Do(func() { close(d.closing) })
		d.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

// AsyncLedger forwards transfers to a Ledger through a Dispatcher.
type AsyncLedger struct {
	Ledger     Ledger
	Dispatcher *Dispatcher
}

// RecordTransfer implements Ledger. It never returns an error.
func (a AsyncLedger) RecordTransfer(_ context.Context, t Transfer) error {
	a.Dispatcher.Submit("ledger", func(ctx context.Context) error {
		return a.Ledger.RecordTransfer(ctx, t)
	})
	return nil
}

// AsyncEscalator forwards escalations to an Escalator through a Dispatcher.
type AsyncEscalator struct {
	Escalator  Escalator
	Dispatcher *Dispatcher
}

// Escalate implements Escalator. It returns ErrDropped when the call could
// not be queued, so the caller can try again later.
func (a AsyncEscalator) Escalate(_ context.Context, userID bittorrent.UserID, cheatLogID uuid.UUID) error {
	if !a.Dispatcher.Submit("escalator", func(ctx context.Context) error {
		return a.Escalator.Escalate(ctx, userID, cheatLogID)
	}) {
		return ErrDropped
	}
	return nil
}

// AsyncCheatLogSink forwards cheat logs to a CheatLogSink through a
// Dispatcher.
type AsyncCheatLogSink struct {
	Sink       CheatLogSink
	Dispatcher *Dispatcher
}

// Append implements CheatLogSink. It never returns an error.
func (a AsyncCheatLogSink) Append(_ context.Context, c CheatLog) error {
	a.Dispatcher.Submit("cheatlog", func(ctx context.Context) error {
		return a.Sink.Append(ctx, c)
	})
	return nil
}
