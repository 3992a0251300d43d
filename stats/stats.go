package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageMailbox Stage = "mailbox"
	StageWatcher Stage = "watcher"
	StageAction  Stage = "action"
)

type EventType string

const (
	EventTypeNotified        EventType = "notified"
	EventTypeFetched         EventType = "fetched"
	EventTypeActionable      EventType = "actionable"
	EventTypeConfirmation    EventType = "confirmation"
	EventTypeIrrelevant      EventType = "irrelevant"
	EventTypeActionSucceeded EventType = "action_succeeded"
	EventTypeActionFailed    EventType = "action_failed"
	EventTypePersistWarning  EventType = "persist_warning"
	EventTypeMarkedRead      EventType = "marked_read"
	EventTypeError           EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID uint32
	URL       string
	Phase     string
	Err       error
	Detail    string
}

// IsError reports whether the event should be surfaced as a failure.
func (e Event) IsError() bool {
	switch e.Type {
	case EventTypeError, EventTypeActionFailed, EventTypePersistWarning:
		return true
	}
	return false
}

// ErrorAttrs returns the log attributes describing a failure event.
func ErrorAttrs(e Event) []any {
	attrs := []any{"stage", string(e.Stage), "type", string(e.Type)}
	if e.MessageID != 0 {
		attrs = append(attrs, "messageID", e.MessageID)
	}
	if e.URL != "" {
		attrs = append(attrs, "url", e.URL)
	}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err.Error())
	}
	return attrs
}

type Summary struct {
	Notifications   int
	Fetched         int
	Actionable      int
	Confirmations   int
	Irrelevant      int
	ActionsOK       int
	ActionsFailed   int
	PersistWarnings int
	MarkedRead      int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"notifications", s.Notifications,
		"fetched", s.Fetched,
		"actionable", s.Actionable,
		"confirmations", s.Confirmations,
		"irrelevant", s.Irrelevant,
		"actionsOK", s.ActionsOK,
		"actionsFailed", s.ActionsFailed,
		"persistWarnings", s.PersistWarnings,
		"markedRead", s.MarkedRead,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeNotified:
		c.summary.Notifications++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeActionable:
		c.summary.Actionable++
	case EventTypeConfirmation:
		c.summary.Confirmations++
	case EventTypeIrrelevant:
		c.summary.Irrelevant++
	case EventTypeActionSucceeded:
		c.summary.ActionsOK++
	case EventTypeActionFailed:
		c.summary.ActionsFailed++
		c.summary.LastError = evt.Err
	case EventTypePersistWarning:
		c.summary.PersistWarnings++
		c.summary.LastError = evt.Err
	case EventTypeMarkedRead:
		c.summary.MarkedRead++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter logs failure events as they arrive and a summary when the event
// stream ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

// Report logs a single event. Failures are logged at error level, persist
// warnings at warn level, everything else at debug level.
func (r *Reporter) Report(evt Event) {
	if r.logger == nil {
		return
	}
	switch {
	case evt.Type == EventTypePersistWarning:
		r.logger.Warn("session state not saved", ErrorAttrs(evt)...)
	case evt.IsError():
		r.logger.Error("message processing failed", ErrorAttrs(evt)...)
	default:
		r.logger.Debug("event", ErrorAttrs(evt)...)
	}
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			r.logSummary(ctx.Err())
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				r.logSummary(nil)
				return nil
			}
			r.collector.Apply(evt)
			r.Report(evt)
		}
	}
}

func (r *Reporter) logSummary(err error) {
	if r.logger == nil {
		return
	}
	attrs := append(r.collector.Snapshot().LogAttrs(), "duration", time.Since(r.started))
	if err != nil {
		r.logger.Debug("stats collection stopped", append(attrs, "err", err)...)
		return
	}
	r.logger.Info("stats summary", attrs...)
}
