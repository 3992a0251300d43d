package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// DefaultBlockedResources are sub-resources aborted to speed up page loads.
var DefaultBlockedResources = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeMedia,
	network.ResourceTypeFont,
}

type Options struct {
	Headless         bool
	ExecPath         string
	BlockedResources []network.ResourceType
}

// Chrome launches sessions backed by a local Chrome or Chromium binary.
type Chrome struct {
	opts   Options
	logger *slog.Logger
}

func NewChrome(opts Options, logger *slog.Logger) *Chrome {
	if opts.BlockedResources == nil {
		opts.BlockedResources = DefaultBlockedResources
	}
	return &Chrome{opts: opts, logger: logger}
}

type sessionState struct {
	Cookies []*network.CookieParam `json:"cookies"`
}

func (c *Chrome) Launch(ctx context.Context, state []byte) (Session, error) {
	var seed sessionState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &seed); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.NoFirstRun,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	// The browser outlives the launch context; Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      c.logger,
	}

	if err := chromedp.Run(browserCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	setup := []chromedp.Action{}
	if len(c.opts.BlockedResources) > 0 {
		s.blockResources()
		patterns := make([]*fetch.RequestPattern, 0, len(c.opts.BlockedResources))
		for _, rt := range c.opts.BlockedResources {
			patterns = append(patterns, &fetch.RequestPattern{URLPattern: "*", ResourceType: rt})
		}
		setup = append(setup, fetch.Enable().WithPatterns(patterns))
	}
	if len(seed.Cookies) > 0 {
		setup = append(setup, network.SetCookies(seed.Cookies))
	}

	if err := s.run(ctx, setup...); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configure browser: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("browser launched", "headless", c.opts.Headless, "seededCookies", len(seed.Cookies))
	}
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// blockResources fails every request paused by the fetch domain. Only the
// blocked resource types are registered for interception.
func (s *chromeSession) blockResources() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(s.ctx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(s.ctx, c.Target)
			if err := fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil && s.logger != nil {
				s.logger.Debug("abort blocked request failed", "url", paused.Request.URL, "err", err)
			}
		}()
	})
}

// run executes actions on the session's page, bounded by ctx's deadline and
// cancellation without tying the browser's lifetime to ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, navigate(url))
}

// Click does not wait for the element to become visible.
func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeReady))
}

func (s *chromeSession) WaitPresent(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (s *chromeSession) State(ctx context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	state := sessionState{Cookies: make([]*network.CookieParam, 0, len(cookies))}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, cookieParam(c))
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return data, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
	})
	return s.closeErr
}

// navigate loads url and returns once its document is parsed, without
// waiting for sub-resources and frames.
func navigate(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		loaded := make(chan struct{})
		var once sync.Once
		chromedp.ListenTarget(listenCtx, func(ev interface{}) {
			if _, ok := ev.(*page.EventDomContentEventFired); ok {
				once.Do(func() { close(loaded) })
			}
		})

		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("page load error %s", res.ErrorText)
		}

		select {
		case <-loaded:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func cookieParam(c *network.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: c.SameSite,
	}
	if !c.Session && c.Expires > 0 {
		expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
		p.Expires = &expires
	}
	return p
}
