package imap

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "watcher@example.com"
	testPassword = "secret"
)

// trackingListener hands every accepted connection to conns so tests can
// drop them from the server side.
type trackingListener struct {
	net.Listener
	conns chan net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		select {
		case l.conns <- conn:
		default:
		}
	}
	return conn, err
}

func startServer(t *testing.T) string {
	t.Helper()
	addr, _ := startTrackedServer(t)
	return addr
}

func startTrackedServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tracked := &trackingListener{Listener: ln, conns: make(chan net.Conn, 8)}
	go func() {
		_ = server.Serve(tracked)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})
	return ln.Addr().String(), tracked.conns
}

// startStallingServer speaks just enough IMAP to log in, select and idle. It
// never answers UID commands. It reports every accepted connection.
func startStallingServer(t *testing.T) (string, <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	accepted := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case accepted <- struct{}{}:
			default:
			}
			go serveStalling(conn)
		}
	}()
	return ln.Addr().String(), accepted
}

func serveStalling(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	write := func(line string) {
		_, _ = io.WriteString(conn, line+"\r\n")
	}

	write("* OK [CAPABILITY IMAP4rev1 IDLE] ready")
	var idleTag string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "DONE" {
			write(idleTag + " OK IDLE terminated")
			continue
		}

		tag, rest, _ := strings.Cut(line, " ")
		verb, _, _ := strings.Cut(strings.ToUpper(rest), " ")
		switch verb {
		case "CAPABILITY":
			write("* CAPABILITY IMAP4rev1 IDLE")
			write(tag + " OK CAPABILITY completed")
		case "LOGIN":
			write(tag + " OK LOGIN completed")
		case "SELECT":
			write("* 0 EXISTS")
			write(`* FLAGS (\Seen)`)
			write(tag + " OK [READ-WRITE] SELECT completed")
		case "IDLE":
			idleTag = tag
			write("+ idling")
		case "LOGOUT":
			write("* BYE")
			write(tag + " OK LOGOUT completed")
			return
		case "UID":
			// left unanswered
		default:
			write(tag + " OK")
		}
	}
}

func appendMessage(t *testing.T, addr string, raw string) {
	t.Helper()

	client, err := imapclient.DialInsecure(addr, nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Login(testUser, testPassword).Wait())

	cmd := client.Append("INBOX", int64(len(raw)), nil)
	_, err = cmd.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(t, err)
}

func newTestMailbox(t *testing.T, addr string) *Mailbox {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)

	m, err := New(Options{
		Host:         host,
		Port:         port,
		Username:     testUser,
		Password:     testPassword,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func runMailbox(t *testing.T, m *Mailbox) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForEvent(t, m, EventReady)
}

// waitForEvent skips lifecycle events until one of kind arrives.
func waitForEvent(t *testing.T, m *Mailbox, kind EventKind) Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-m.Events():
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func waitForNotification(t *testing.T, m *Mailbox, msg string) {
	t.Helper()

	select {
	case <-m.Notifications():
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

const netflixMail = "From: Netflix <info@account.netflix.com>\r\n" +
	"To: watcher@example.com\r\n" +
	"Subject: How to update your Netflix Household\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"<a href=3D=22https://www.netflix.com/account/update-primary-location?id=3D9=22>Yes</a>\r\n"

const otherMail = "From: Someone <someone@example.org>\r\n" +
	"To: watcher@example.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Hi there\r\n"

func TestMailbox_SearchFetchMarkRead(t *testing.T) {
	addr := startServer(t)
	appendMessage(t, addr, netflixMail)
	appendMessage(t, addr, otherMail)

	m := newTestMailbox(t, addr)
	runMailbox(t, m)

	select {
	case <-m.Notifications():
	case <-time.After(time.Second):
		t.Fatal("expected an initial notification after connect")
	}

	ctx := context.Background()
	uids, err := m.SearchUnseen(ctx, "info@account.netflix.com")
	require.NoError(t, err)
	require.Len(t, uids, 1)

	msgs, err := m.Fetch(ctx, uids)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uids[0], msgs[0].ID)
	assert.Contains(t, string(msgs[0].Header), "Subject: How to update your Netflix Household")
	assert.Contains(t, string(msgs[0].Body), "update-primary-location")

	// fetching must not mark the message read
	again, err := m.SearchUnseen(ctx, "info@account.netflix.com")
	require.NoError(t, err)
	assert.Equal(t, uids, again)

	require.NoError(t, m.MarkRead(ctx, uids[0]))

	after, err := m.SearchUnseen(ctx, "info@account.netflix.com")
	require.NoError(t, err)
	assert.Empty(t, after)

	all, err := m.SearchUnseen(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "the unrelated message stays unread")
}

func TestMailbox_NotConnected(t *testing.T) {
	m, err := New(Options{Host: "127.0.0.1", Port: 1}, nil)
	require.NoError(t, err)

	_, err = m.SearchUnseen(context.Background(), "")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = m.MarkRead(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestMailbox_RunReportsDialErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := newTestMailbox(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	select {
	case evt := <-m.Events():
		assert.Equal(t, EventError, evt.Kind)
		assert.Error(t, evt.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected an error event")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Port: 993}, nil)
	assert.Error(t, err)

	_, err = New(Options{Host: "imap.example.com"}, nil)
	assert.Error(t, err)

	m, err := New(Options{Host: "imap.example.com", Port: 993}, nil)
	require.NoError(t, err)
	assert.Equal(t, "INBOX", m.opts.Mailbox)
	assert.Equal(t, 25*time.Minute, m.opts.IdleRestart)
}

func TestMailbox_BackOffSettings(t *testing.T) {
	m, err := New(Options{Host: "h", Port: 1, ReconnectMin: time.Second, ReconnectMax: 10 * time.Second}, nil)
	require.NoError(t, err)

	b := m.newBackOff()
	assert.Equal(t, time.Second, b.InitialInterval)
	assert.Equal(t, 10*time.Second, b.MaxInterval)
	assert.Zero(t, b.MaxElapsedTime, "reconnects never give up")

	for i := 0; i < 50; i++ {
		delay := b.NextBackOff()
		require.Positive(t, delay)
		require.LessOrEqual(t, delay, 15*time.Second)
	}

	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), 1500*time.Millisecond)
}

func TestMailbox_NotifiesOnNewMail(t *testing.T) {
	addr := startServer(t)
	m := newTestMailbox(t, addr)
	runMailbox(t, m)
	waitForNotification(t, m, "expected an initial notification after connect")

	appendMessage(t, addr, netflixMail)
	waitForNotification(t, m, "expected a notification for the new message")

	uids, err := m.SearchUnseen(context.Background(), "info@account.netflix.com")
	require.NoError(t, err)
	assert.Len(t, uids, 1)
}

func TestMailbox_ReconnectsAfterServerHangup(t *testing.T) {
	addr, conns := startTrackedServer(t)
	m := newTestMailbox(t, addr)
	runMailbox(t, m)

	select {
	case conn := <-conns:
		require.NoError(t, conn.Close())
	case <-time.After(time.Second):
		t.Fatal("server saw no connection")
	}

	waitForEvent(t, m, EventEnd)
	waitForEvent(t, m, EventReady)

	_, err := m.SearchUnseen(context.Background(), "")
	assert.NoError(t, err)
}

func TestMailbox_StalledCommandHonoursDeadline(t *testing.T) {
	addr, accepted := startStallingServer(t)
	m := newTestMailbox(t, addr)
	runMailbox(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.MarkRead(ctx, 1)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("MarkRead still blocked after its deadline")
	}

	// the abandoned connection is replaced
	waitForEvent(t, m, EventReady)
	assert.GreaterOrEqual(t, len(accepted), 2)
}

func TestMailbox_StalledCommandHitsCommandTimeout(t *testing.T) {
	addr, _ := startStallingServer(t)
	m := newTestMailbox(t, addr)
	m.opts.CommandTimeout = 200 * time.Millisecond
	runMailbox(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.SearchUnseen(context.Background(), "")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("SearchUnseen blocked past the command timeout")
	}
}
