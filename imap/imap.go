package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/household-autoconfirm/model"
)

var (
	ErrTransport    = errors.New("mailbox transport failure")
	ErrNotConnected = errors.New("mailbox not connected")
	errClosed       = errors.New("imap connection closed")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	// IdleRestart is how often IDLE is re-issued to keep the connection
	// alive. Servers may drop an IDLE session after 30 minutes.
	IdleRestart time.Duration
	// CommandTimeout bounds every exchange with the server. A command that
	// outlives it closes the connection and Run reconnects.
	CommandTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

type EventKind string

const (
	EventReady EventKind = "ready"
	EventError EventKind = "error"
	EventEnd   EventKind = "end"
)

// Event reports a change in the connection lifecycle.
type Event struct {
	Kind EventKind
	Err  error
}

// Mailbox is a long-lived handle on one IMAP mailbox. Run keeps it connected
// and idling; the command methods can be called concurrently from other
// goroutines and pause IDLE while they run.
type Mailbox struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	idle    *imapclient.IdleCommand
	idling  bool
	updates chan struct{}
	events  chan Event
}

func New(opts Options, logger *slog.Logger) (*Mailbox, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.IdleRestart <= 0 {
		opts.IdleRestart = 25 * time.Minute
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Mailbox{
		opts:    opts,
		logger:  logger,
		updates: make(chan struct{}, 1),
		events:  make(chan Event, 16),
	}, nil
}

// Notifications fires when the mailbox may hold new messages: after every
// (re)connect and whenever the server reports a new message count.
// Bursts are coalesced into a single notification.
func (m *Mailbox) Notifications() <-chan struct{} {
	return m.updates
}

// Events delivers connection lifecycle changes. Events are dropped when
// nobody reads them.
func (m *Mailbox) Events() <-chan Event {
	return m.events
}

// Run connects, idles and reconnects with exponential backoff until ctx is
// done. Transport errors never end Run.
func (m *Mailbox) Run(ctx context.Context) error {
	b := m.newBackOff()
	err := backoff.RetryNotify(func() error {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, errClosed) {
			m.emit(Event{Kind: EventEnd, Err: err})
			b.Reset()
		} else {
			m.emit(Event{Kind: EventError, Err: err})
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, delay time.Duration) {
		m.logger.Warn("imap connection lost, reconnecting", "in", delay, "err", err)
	})

	m.emit(Event{Kind: EventEnd})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *Mailbox) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Mailbox) session(ctx context.Context) error {
	client, err := m.dial(ctx)
	if err != nil {
		return err
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer func() {
		stopClose()
		m.mu.Lock()
		idleErr := m.stopIdleLocked()
		m.client = nil
		m.idling = false
		m.mu.Unlock()
		if ctx.Err() == nil && idleErr == nil {
			if err := m.guard(client, func() error { return client.Logout().Wait() }); err != nil {
				m.logger.Debug("imap logout failed", "err", err)
			}
		}
		_ = client.Close()
	}()

	m.mu.Lock()
	m.client = client
	m.idling = true
	err = m.startIdleLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("connected to imap, listening for emails", "mailbox", m.opts.Mailbox)
	m.emit(Event{Kind: EventReady})
	m.signal()

	ticker := time.NewTicker(m.opts.IdleRestart)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Closed():
			return errClosed
		case <-ticker.C:
			m.mu.Lock()
			err := m.stopIdleLocked()
			if err == nil {
				err = m.startIdleLocked()
			}
			m.mu.Unlock()
			if err != nil {
				return fmt.Errorf("restart idle: %w", err)
			}
		}
	}
}

func (m *Mailbox) dial(ctx context.Context) (*imapclient.Client, error) {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					m.signal()
				}
			},
		},
	}

	// keepalive probes surface half-open connections while idling
	dialer := &net.Dialer{Timeout: m.opts.CommandTimeout, KeepAlive: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)

	if m.opts.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName:         m.opts.Host,
				InsecureSkipVerify: m.opts.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, options)

	if err := m.guard(client, func() error { return client.Login(m.opts.Username, m.opts.Password).Wait() }); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	err = m.guard(client, func() error {
		_, err := client.Select(m.opts.Mailbox, nil).Wait()
		return err
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", m.opts.Mailbox, err)
	}

	m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "mailbox", m.opts.Mailbox, "tls", m.opts.UseTLS)
	return client, nil
}

// SearchUnseen returns the UIDs of unread messages, optionally restricted to
// a sender address.
func (m *Mailbox) SearchUnseen(ctx context.Context, from string) ([]uint32, error) {
	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}
	if from != "" {
		criteria.Header = []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: from}}
	}

	var uids []uint32
	err := m.exec(ctx, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrTransport, err)
	}
	return uids, nil
}

// Fetch returns the header and text sections of the given messages. The
// sections are peeked, so fetching leaves the \Seen flag untouched.
func (m *Mailbox) Fetch(ctx context.Context, uids []uint32) ([]model.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}

	headerSection := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	textSection := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierText, Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{headerSection, textSection},
	}

	var messages []model.RawMessage
	err := m.exec(ctx, func(client *imapclient.Client) error {
		cmd := client.Fetch(imapv2.UIDSetNum(set...), options)
		defer cmd.Close()

		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				m.logger.Warn("imap fetch message failed", "seq", msg.SeqNum, "err", err)
				continue
			}
			messages = append(messages, model.RawMessage{
				ID:     uint32(buf.UID),
				Header: buf.FindBodySection(headerSection),
				Body:   buf.FindBodySection(textSection),
			})
		}

		return cmd.Close()
	})
	if err != nil {
		return messages, fmt.Errorf("%w: fetch: %w", ErrTransport, err)
	}
	return messages, nil
}

// MarkRead adds the \Seen flag to the message.
func (m *Mailbox) MarkRead(ctx context.Context, uid uint32) error {
	err := m.exec(ctx, func(client *imapclient.Client) error {
		return client.Store(imapv2.UIDSetNum(imapv2.UID(uid)), &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("%w: mark %d read: %w", ErrTransport, uid, err)
	}
	return nil
}

// exec runs fn with IDLE paused. The connection is closed when ctx ends or
// the command timeout elapses before fn returns.
func (m *Mailbox) exec(ctx context.Context, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	client := m.client
	if client == nil {
		return ErrNotConnected
	}
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	if err := m.stopIdleLocked(); err != nil {
		return fmt.Errorf("stop idle: %w", err)
	}

	err := fn(client)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command abandoned: %w", errors.Join(ctxErr, err))
	}

	if m.idling {
		if idleErr := m.startIdleLocked(); idleErr != nil && err == nil {
			err = fmt.Errorf("resume idle: %w", idleErr)
		}
	}
	return err
}

func (m *Mailbox) startIdleLocked() error {
	if m.idle != nil {
		return nil
	}
	var idle *imapclient.IdleCommand
	err := m.guard(m.client, func() error {
		var err error
		idle, err = m.client.Idle()
		return err
	})
	if err != nil {
		return fmt.Errorf("start idle: %w", err)
	}
	m.idle = idle
	return nil
}

func (m *Mailbox) stopIdleLocked() error {
	if m.idle == nil {
		return nil
	}
	idle := m.idle
	m.idle = nil
	return m.guard(m.client, func() error {
		if err := idle.Close(); err != nil {
			return err
		}
		return idle.Wait()
	})
}

// guard runs fn and closes client if fn outlives the command timeout.
func (m *Mailbox) guard(client *imapclient.Client, fn func() error) error {
	timer := time.AfterFunc(m.opts.CommandTimeout, func() {
		_ = client.Close()
	})
	defer timer.Stop()
	return fn()
}

func (m *Mailbox) signal() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *Mailbox) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
	}
}
