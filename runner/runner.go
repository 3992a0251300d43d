package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/household-autoconfirm/stats"
)

type StageFunc func(context.Context) error

// Runner hosts the long-running stages of the watcher and fans their events
// out to the stats subscribers. The first stage error stops every stage.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// subscribers outlive ctx so they can drain the final events
	statsCtx    context.Context
	statsCancel context.CancelFunc

	events      chan stats.Event
	subsMu      sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(parent context.Context, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	statsCtx, statsCancel := context.WithCancel(context.WithoutCancel(parent))

	r := &Runner{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		statsCtx:    statsCtx,
		statsCancel: statsCancel,
		events:      make(chan stats.Event, 128),
	}

	r.statsWG.Add(1)
	go r.broadcast()
	return r
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent queues evt for the subscribers. Events emitted after the runner
// stopped are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive every event emitted after the call.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.statsCtx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
		for range ch {
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Stop cancels every stage. Start returns once they have finished.
func (r *Runner) Stop() {
	r.cancel()
}

// Start blocks until all stages have returned and the subscribers have
// drained the remaining events.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()
	r.statsCancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("watcher failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("watcher stopped", "duration", duration)
	return nil
}

func (r *Runner) broadcast() {
	defer r.statsWG.Done()
	defer func() {
		r.subsMu.Lock()
		for _, ch := range r.subscribers {
			close(ch)
		}
		r.subsMu.Unlock()
	}()

	for evt := range r.events {
		r.subsMu.Lock()
		subs := append([]chan stats.Event(nil), r.subscribers...)
		r.subsMu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- evt:
			case <-r.statsCtx.Done():
				return
			}
		}
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
