// Package action runs the household confirmation in a browser session.
//
// A run moves through the phases Launching, Navigating, Confirming and
// Persisting, and always ends in Closed after the browser has been released.
// Any phase may end the run in Failed.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/household-autoconfirm/browser"
	"github.com/dhcgn/household-autoconfirm/state"
)

var (
	ErrLaunch              = errors.New("browser launch failed")
	ErrNavigation          = errors.New("navigation failed")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrStoragePersist      = errors.New("session state persist failed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLaunching  Phase = "launching"
	PhaseNavigating Phase = "navigating"
	PhaseConfirming Phase = "confirming"
	PhasePersisting Phase = "persisting"
	PhaseClosed     Phase = "closed"
	PhaseFailed     Phase = "failed"
)

const (
	DefaultConfirmSelector = `button[data-uia='set-primary-location-action']`
	DefaultSuccessSelector = `div[data-uia="upl-success"]`
)

// DefaultIntervals is the pause between confirmation attempts. The last
// interval repeats once the list is exhausted.
var DefaultIntervals = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

type Options struct {
	NavigationTimeout time.Duration
	ConfirmTimeout    time.Duration
	// AttemptTimeout bounds a single click and a single success check.
	AttemptTimeout  time.Duration
	Intervals       []time.Duration
	ConfirmSelector string
	SuccessSelector string
	// StateTimeout bounds loading the saved session and persisting the new
	// one.
	StateTimeout time.Duration
	// StrictPersist reports a failed session save as a failed run instead of
	// a warning on a successful one.
	StrictPersist bool
}

func (o Options) withDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 30 * time.Second
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = 30 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = time.Second
	}
	if len(o.Intervals) == 0 {
		o.Intervals = DefaultIntervals
	}
	if o.ConfirmSelector == "" {
		o.ConfirmSelector = DefaultConfirmSelector
	}
	if o.SuccessSelector == "" {
		o.SuccessSelector = DefaultSuccessSelector
	}
	return o
}

// Outcome is the result of a single run. Err is set when Succeeded is false.
// Warning carries a session persist failure after a confirmed action.
type Outcome struct {
	Succeeded bool
	Phase     Phase
	// FailedAt is the phase that was active when the run failed.
	FailedAt Phase
	Attempts int
	Err      error
	Warning  error
}

type Runner struct {
	launcher browser.Launcher
	store    state.Store
	opts     Options
	logger   *slog.Logger

	// one run at a time: the session state is a single shared slot
	mu sync.Mutex
}

func New(launcher browser.Launcher, store state.Store, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		launcher: launcher,
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// Run performs the confirmation for link. It never panics past its boundary
// and releases the browser on every path before returning.
func (r *Runner) Run(ctx context.Context, link string) (out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.logger.With("url", link)
	started := time.Now()
	out.Phase = PhaseIdle

	var session browser.Session
	defer func() {
		if p := recover(); p != nil {
			out = r.fail(log, out, fmt.Errorf("panic in %s phase: %v", out.Phase, p))
		}
		if session != nil {
			if err := session.Close(); err != nil {
				log.Warn("browser close failed", "err", err)
			}
		}
		if out.Succeeded {
			out.Phase = PhaseClosed
		}
		log.Debug("action finished", "phase", out.Phase, "succeeded", out.Succeeded, "attempts", out.Attempts, "duration", time.Since(started))
	}()

	out = r.enter(log, out, PhaseLaunching)
	loadCtx, cancelLoad := context.WithTimeout(ctx, r.opts.StateTimeout)
	seed, err := r.store.Load(loadCtx)
	cancelLoad()
	switch {
	case errors.Is(err, state.ErrNoState):
		log.Info("no saved session, starting unauthenticated")
		seed = nil
	case err != nil:
		log.Warn("session state unreadable, starting unauthenticated", "err", err)
		seed = nil
	}

	session, err = r.launcher.Launch(ctx, seed)
	if err != nil {
		session = nil
		return r.fail(log, out, fmt.Errorf("%w: %w", ErrLaunch, err))
	}

	out = r.enter(log, out, PhaseNavigating)
	navCtx, cancel := context.WithTimeout(ctx, r.opts.NavigationTimeout)
	err = session.Navigate(navCtx, link)
	cancel()
	if err != nil {
		return r.fail(log, out, fmt.Errorf("%w: %s: %w", ErrNavigation, link, err))
	}

	out = r.enter(log, out, PhaseConfirming)
	attempts, err := r.confirm(ctx, session)
	out.Attempts = attempts
	if err != nil {
		return r.fail(log, out, err)
	}

	out = r.enter(log, out, PhasePersisting)
	if err := r.persist(ctx, session); err != nil {
		err = fmt.Errorf("%w: %w", ErrStoragePersist, err)
		if r.opts.StrictPersist {
			return r.fail(log, out, err)
		}
		log.Warn("confirmation succeeded but session state was not saved", "err", err)
		out.Warning = err
	}

	out.Succeeded = true
	log.Info("household location updated", "attempts", out.Attempts)
	return out
}

// confirm clicks the confirmation control until the success indicator shows
// up or the confirmation timeout elapses. Click and check errors are retried.
func (r *Runner) confirm(ctx context.Context, session browser.Session) (int, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, r.opts.ConfirmTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.interval(attempt - 1))
			select {
			case <-confirmCtx.Done():
				timer.Stop()
				if ctx.Err() != nil {
					return attempt, fmt.Errorf("confirmation aborted: %w", ctx.Err())
				}
				return attempt, r.timeoutErr(lastErr)
			case <-timer.C:
			}
		}

		lastErr = r.attempt(confirmCtx, session)
		if lastErr == nil {
			return attempt + 1, nil
		}
		r.logger.Debug("confirmation attempt failed", "attempt", attempt+1, "err", lastErr)

		if ctx.Err() != nil {
			return attempt + 1, fmt.Errorf("confirmation aborted: %w", ctx.Err())
		}
		if confirmCtx.Err() != nil {
			return attempt + 1, r.timeoutErr(lastErr)
		}
	}
}

func (r *Runner) attempt(ctx context.Context, session browser.Session) error {
	clickCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	err := session.Click(clickCtx, r.opts.ConfirmSelector)
	cancel()
	if err != nil {
		return fmt.Errorf("click %s: %w", r.opts.ConfirmSelector, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()
	if err := session.WaitPresent(checkCtx, r.opts.SuccessSelector); err != nil {
		return fmt.Errorf("wait for %s: %w", r.opts.SuccessSelector, err)
	}
	return nil
}

func (r *Runner) interval(n int) time.Duration {
	if n >= len(r.opts.Intervals) {
		return r.opts.Intervals[len(r.opts.Intervals)-1]
	}
	return r.opts.Intervals[n]
}

func (r *Runner) timeoutErr(last error) error {
	if last == nil {
		return fmt.Errorf("%w after %s", ErrConfirmationTimeout, r.opts.ConfirmTimeout)
	}
	return fmt.Errorf("%w after %s: %w", ErrConfirmationTimeout, r.opts.ConfirmTimeout, last)
}

func (r *Runner) persist(ctx context.Context, session browser.Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StateTimeout)
	defer cancel()

	data, err := session.State(ctx)
	if err != nil {
		return err
	}
	return r.store.Save(ctx, data)
}

func (r *Runner) enter(log *slog.Logger, out Outcome, phase Phase) Outcome {
	log.Debug("action phase", "from", out.Phase, "to", phase)
	out.Phase = phase
	return out
}

func (r *Runner) fail(log *slog.Logger, out Outcome, err error) Outcome {
	log.Debug("action phase", "from", out.Phase, "to", PhaseFailed, "err", err)
	out.Succeeded = false
	out.FailedAt = out.Phase
	out.Err = fmt.Errorf("%s: %w", out.Phase, err)
	out.Phase = PhaseFailed
	return out
}
