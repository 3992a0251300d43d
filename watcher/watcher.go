// Package watcher turns mailbox notifications into household confirmations.
//
// Each notification triggers a search for unread mail from the configured
// sender. Confirmation receipts are marked read right away; update requests
// have their link extracted and are queued for the single action worker, and
// are marked read only once the browser action succeeded.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dhcgn/household-autoconfirm/action"
	"github.com/dhcgn/household-autoconfirm/classify"
	"github.com/dhcgn/household-autoconfirm/decode"
	"github.com/dhcgn/household-autoconfirm/extract"
	"github.com/dhcgn/household-autoconfirm/model"
	"github.com/dhcgn/household-autoconfirm/stats"
)

var ErrLinkNotFound = errors.New("no confirmation link found in message")

// Mailbox is the part of the mailbox the watcher needs.
type Mailbox interface {
	SearchUnseen(ctx context.Context, from string) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]model.RawMessage, error)
	MarkRead(ctx context.Context, uid uint32) error
}

type ActionRunner interface {
	Run(ctx context.Context, link string) action.Outcome
}

type EventSink interface {
	EmitEvent(evt stats.Event)
}

type Options struct {
	Sender              string
	ActionableSubject   string
	ConfirmationSubject string
	// LinkPrefix overrides the prefix of the confirmation link.
	LinkPrefix string
	QueueSize  int
	// MaxAttempts is how many failed actions a message gets before it is
	// skipped until restart. It stays unread either way.
	MaxAttempts int
}

type job struct {
	id   uint32
	link string
}

type Watcher struct {
	mailbox   Mailbox
	actions   ActionRunner
	events    EventSink
	opts      Options
	extractor *extract.Extractor
	logger    *slog.Logger

	queue chan job

	mu       sync.Mutex
	inFlight map[uint32]struct{}
	failures map[uint32]int
}

func New(mailbox Mailbox, actions ActionRunner, events EventSink, opts Options, logger *slog.Logger) *Watcher {
	if opts.LinkPrefix == "" {
		opts.LinkPrefix = extract.LinkPrefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		mailbox:   mailbox,
		actions:   actions,
		events:    events,
		opts:      opts,
		extractor: extract.New(opts.LinkPrefix),
		logger:    logger,
		queue:     make(chan job, opts.QueueSize),
		inFlight:  make(map[uint32]struct{}),
		failures:  make(map[uint32]int),
	}
}

// Listen handles every notification until ctx is done.
func (w *Watcher) Listen(ctx context.Context, notifications <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-notifications:
			if !ok {
				return nil
			}
			if err := w.HandleNotification(ctx); err != nil && ctx.Err() == nil {
				w.report(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Err: err})
			}
		}
	}
}

// HandleNotification processes every unread message from the sender.
// Actionable messages are queued; the call does not wait for their actions.
func (w *Watcher) HandleNotification(ctx context.Context) error {
	w.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeNotified})

	uids, err := w.mailbox.SearchUnseen(ctx, w.opts.Sender)
	if err != nil {
		return err
	}
	uids = w.pending(uids)
	if len(uids) == 0 {
		return nil
	}
	w.logger.Info("notification email received", "count", len(uids))

	msgs, err := w.mailbox.Fetch(ctx, uids)
	for _, msg := range msgs {
		w.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeFetched, MessageID: msg.ID})
		w.Process(ctx, msg)
	}
	return err
}

// Process classifies a single message and acts on it.
func (w *Watcher) Process(ctx context.Context, msg model.RawMessage) classify.Classification {
	subject := decode.Subject(msg.Header)
	class := classify.Classify(subject, w.opts.ActionableSubject, w.opts.ConfirmationSubject)
	log := w.logger.With("messageID", msg.ID, "subject", subject)

	switch class {
	case classify.ConfirmationOnly:
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeConfirmation, MessageID: msg.ID})
		log.Info("confirmation email, marking read")
		w.markRead(ctx, msg.ID, "")

	case classify.Irrelevant:
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeIrrelevant, MessageID: msg.ID})
		log.Debug("subject does not match, skipping")

	case classify.Actionable:
		w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeActionable, MessageID: msg.ID})
		body := decode.DecodeQuotedPrintable(string(msg.Body))
		link, ok := w.extractor.Link(body)
		if !ok {
			w.report(stats.Event{
				Stage:     stats.StageWatcher,
				Type:      stats.EventTypeError,
				MessageID: msg.ID,
				Err:       fmt.Errorf("message %d: %w", msg.ID, ErrLinkNotFound),
			})
			return class
		}
		log.Info("update link found, queueing", "url", link)
		w.enqueue(ctx, job{id: msg.ID, link: link})
	}

	return class
}

// RunActions executes queued actions one at a time until ctx is done.
func (w *Watcher) RunActions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.queue:
			w.runJob(ctx, j)
		}
	}
}

func (w *Watcher) runJob(ctx context.Context, j job) {
	defer w.release(j.id)

	out := w.actions.Run(ctx, j.link)
	if !out.Succeeded {
		w.report(stats.Event{
			Stage:     stats.StageAction,
			Type:      stats.EventTypeActionFailed,
			MessageID: j.id,
			URL:       j.link,
			Phase:     string(out.FailedAt),
			Err:       out.Err,
		})
		if attempts := w.recordFailure(j.id); attempts >= w.opts.MaxAttempts {
			w.logger.Warn("action keeps failing, skipping message until restart", "messageID", j.id, "url", j.link, "attempts", attempts)
		}
		return
	}

	w.emit(stats.Event{Stage: stats.StageAction, Type: stats.EventTypeActionSucceeded, MessageID: j.id, URL: j.link})
	if out.Warning != nil {
		w.report(stats.Event{
			Stage:     stats.StageAction,
			Type:      stats.EventTypePersistWarning,
			MessageID: j.id,
			URL:       j.link,
			Phase:     string(action.PhasePersisting),
			Err:       out.Warning,
		})
	}
	w.markRead(ctx, j.id, j.link)
}

func (w *Watcher) enqueue(ctx context.Context, j job) {
	w.mu.Lock()
	if _, busy := w.inFlight[j.id]; busy {
		w.mu.Unlock()
		return
	}
	w.inFlight[j.id] = struct{}{}
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		w.release(j.id)
	case w.queue <- j:
	}
}

func (w *Watcher) release(id uint32) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}

func (w *Watcher) recordFailure(id uint32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[id]++
	return w.failures[id]
}

// pending drops messages that are queued, running or out of attempts.
func (w *Watcher) pending(uids []uint32) []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := uids[:0:0]
	for _, uid := range uids {
		if _, busy := w.inFlight[uid]; busy {
			continue
		}
		if w.failures[uid] >= w.opts.MaxAttempts {
			continue
		}
		out = append(out, uid)
	}
	return out
}

func (w *Watcher) markRead(ctx context.Context, id uint32, link string) {
	if err := w.mailbox.MarkRead(ctx, id); err != nil {
		w.report(stats.Event{
			Stage:     stats.StageMailbox,
			Type:      stats.EventTypeError,
			MessageID: id,
			URL:       link,
			Phase:     "mark_read",
			Err:       err,
		})
		return
	}
	w.emit(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeMarkedRead, MessageID: id})
}

// report forwards a failure to the event sink. Logging happens in the
// subscriber, or here when no sink is attached.
func (w *Watcher) report(evt stats.Event) {
	if w.events == nil {
		w.logger.Error("message processing failed", stats.ErrorAttrs(evt)...)
		return
	}
	w.events.EmitEvent(evt)
}

func (w *Watcher) emit(evt stats.Event) {
	if w.events != nil {
		w.events.EmitEvent(evt)
	}
}
