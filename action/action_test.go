package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/household-autoconfirm/browser"
	"github.com/dhcgn/household-autoconfirm/state"
)

const testLink = "https://www.netflix.com/account/update-primary-location?id=9"

type fakeSession struct {
	mu          sync.Mutex
	navigateErr error
	// successAfter is the number of clicks needed before the success
	// indicator appears; zero means it never appears.
	successAfter int
	clickErrs    int
	clicks       int
	navigated    string
	state        []byte
	stateErr     error
	closes       atomic.Int32
	panicOnClick bool
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = url
	return f.navigateErr
}

func (f *fakeSession) Click(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnClick {
		panic("boom")
	}
	if f.clickErrs > 0 {
		f.clickErrs--
		return errors.New("element not found")
	}
	f.clicks++
	return nil
}

func (f *fakeSession) WaitPresent(ctx context.Context, _ string) error {
	f.mu.Lock()
	ok := f.successAfter > 0 && f.clicks >= f.successAfter
	f.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSession) State(_ context.Context) ([]byte, error) {
	return f.state, f.stateErr
}

func (f *fakeSession) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeLauncher struct {
	session  *fakeSession
	err      error
	seed     []byte
	launches int
}

func (l *fakeLauncher) Launch(_ context.Context, seed []byte) (browser.Session, error) {
	l.launches++
	l.seed = seed
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type failingStore struct {
	state.Store
}

func (failingStore) Save(context.Context, []byte) error {
	return errors.New("disk full")
}

// stalledStore never completes a save before its context ends.
type stalledStore struct {
	state.Store
}

func (stalledStore) Save(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func fastOptions() Options {
	return Options{
		NavigationTimeout: time.Second,
		ConfirmTimeout:    200 * time.Millisecond,
		AttemptTimeout:    10 * time.Millisecond,
		Intervals:         []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
}

func TestRun_Success(t *testing.T) {
	session := &fakeSession{successAfter: 3, clickErrs: 1, state: []byte(`{"cookies":[]}`)}
	launcher := &fakeLauncher{session: session}
	store := state.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []byte(`{"cookies":["old"]}`)))

	out := New(launcher, store, fastOptions(), nil).Run(context.Background(), testLink)

	require.True(t, out.Succeeded, "err: %v", out.Err)
	assert.NoError(t, out.Err)
	assert.NoError(t, out.Warning)
	assert.Equal(t, PhaseClosed, out.Phase)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, testLink, session.navigated)
	assert.Equal(t, `{"cookies":["old"]}`, string(launcher.seed))
	assert.EqualValues(t, 1, session.closes.Load())

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"cookies":[]}`, string(saved))
}

func TestRun_WithoutSavedState(t *testing.T) {
	session := &fakeSession{successAfter: 1}
	launcher := &fakeLauncher{session: session}

	out := New(launcher, state.NewMemoryStore(), fastOptions(), nil).Run(context.Background(), testLink)

	require.True(t, out.Succeeded)
	assert.Nil(t, launcher.seed)
}

func TestRun_ConfirmationTimeout(t *testing.T) {
	session := &fakeSession{}
	launcher := &fakeLauncher{session: session}
	store := state.NewMemoryStore()

	started := time.Now()
	out := New(launcher, store, fastOptions(), nil).Run(context.Background(), testLink)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Equal(t, PhaseConfirming, out.FailedAt)
	assert.ErrorIs(t, out.Err, ErrConfirmationTimeout)
	assert.Greater(t, out.Attempts, 1)
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	assert.EqualValues(t, 1, session.closes.Load())

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, state.ErrNoState, "nothing is persisted on failure")
}

func TestRun_NavigationFailure(t *testing.T) {
	session := &fakeSession{navigateErr: errors.New("net::ERR_NAME_NOT_RESOLVED"), successAfter: 1}
	out := New(&fakeLauncher{session: session}, state.NewMemoryStore(), fastOptions(), nil).Run(context.Background(), testLink)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseNavigating, out.FailedAt)
	assert.ErrorIs(t, out.Err, ErrNavigation)
	assert.Contains(t, out.Err.Error(), testLink)
	assert.Zero(t, session.clicks)
	assert.EqualValues(t, 1, session.closes.Load())
}

func TestRun_LaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("chrome not found")}
	out := New(launcher, state.NewMemoryStore(), fastOptions(), nil).Run(context.Background(), testLink)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseLaunching, out.FailedAt)
	assert.ErrorIs(t, out.Err, ErrLaunch)
}

func TestRun_PersistFailureIsWarning(t *testing.T) {
	session := &fakeSession{successAfter: 1, state: []byte("{}")}
	store := failingStore{Store: state.NewMemoryStore()}

	out := New(&fakeLauncher{session: session}, store, fastOptions(), nil).Run(context.Background(), testLink)

	assert.True(t, out.Succeeded)
	assert.NoError(t, out.Err)
	assert.ErrorIs(t, out.Warning, ErrStoragePersist)
	assert.EqualValues(t, 1, session.closes.Load())
}

func TestRun_PersistFailureStrict(t *testing.T) {
	session := &fakeSession{successAfter: 1, state: []byte("{}")}
	store := failingStore{Store: state.NewMemoryStore()}
	opts := fastOptions()
	opts.StrictPersist = true

	out := New(&fakeLauncher{session: session}, store, opts, nil).Run(context.Background(), testLink)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhasePersisting, out.FailedAt)
	assert.ErrorIs(t, out.Err, ErrStoragePersist)
	assert.EqualValues(t, 1, session.closes.Load())
}

func TestRun_PanicIsCaptured(t *testing.T) {
	session := &fakeSession{panicOnClick: true}
	var out Outcome
	require.NotPanics(t, func() {
		out = New(&fakeLauncher{session: session}, state.NewMemoryStore(), fastOptions(), nil).Run(context.Background(), testLink)
	})

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseConfirming, out.FailedAt)
	assert.EqualValues(t, 1, session.closes.Load())
}

func TestRunner_Interval(t *testing.T) {
	r := New(&fakeLauncher{}, state.NewMemoryStore(), Options{}, nil)

	want := []time.Duration{
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, r.interval(i), "interval %d", i)
	}
}

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 30*time.Second, opts.NavigationTimeout)
	assert.Equal(t, 30*time.Second, opts.ConfirmTimeout)
	assert.Equal(t, time.Second, opts.AttemptTimeout)
	assert.Equal(t, 30*time.Second, opts.StateTimeout)
	assert.Equal(t, DefaultConfirmSelector, opts.ConfirmSelector)
	assert.Equal(t, DefaultSuccessSelector, opts.SuccessSelector)
}

func TestRun_StalledStoreIsBounded(t *testing.T) {
	session := &fakeSession{successAfter: 1, state: []byte(`{"cookies":[]}`)}
	opts := fastOptions()
	opts.StateTimeout = 50 * time.Millisecond

	done := make(chan Outcome, 1)
	go func() {
		done <- New(&fakeLauncher{session: session}, stalledStore{state.NewMemoryStore()}, opts, nil).Run(context.Background(), testLink)
	}()

	select {
	case out := <-done:
		require.True(t, out.Succeeded, "err: %v", out.Err)
		assert.ErrorIs(t, out.Warning, ErrStoragePersist)
		assert.ErrorIs(t, out.Warning, context.DeadlineExceeded)
		assert.Equal(t, int32(1), session.closes.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("run blocked on a stalled session store")
	}
}
