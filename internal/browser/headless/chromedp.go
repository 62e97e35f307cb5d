// Package headless implements browser sessions on top of chromedp and headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/browser"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/metrics"
)

// Config controls how browser processes are started.
type Config struct {
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	MaxParallel       int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	BufferSize        int
}

// Launcher starts one Chrome process per session.
type Launcher struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// NewLauncher validates cfg and returns a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1920, 1080
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Launcher{cfg: cfg, limiter: limiter, logger: logger.Named("browser")}, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Acquire starts a browser process and enables network observation on its tab.
func (l *Launcher) Acquire(ctx context.Context) (browser.Session, error) {
	if err := l.acquireSlot(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrAcquisition, err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(l.logger.Sugar().Debugf),
	)

	s := &session{
		cfg:         l.cfg,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
		buffer:      browser.NewTrafficBuffer(l.cfg.BufferSize),
		pending:     make(map[network.RequestID]pendingResponse),
		releaseSlot: l.releaseSlot,
		logger:      l.logger,
	}
	chromedp.ListenTarget(taskCtx, s.onEvent)
	metrics.IncBrowserSessions()

	// The first Run allocates the browser and ties the process to its context,
	// so it must not carry a timeout.
	stopStart := forwardCancel(ctx, taskCancel)
	err := chromedp.Run(taskCtx)
	stopStart()
	if err != nil {
		s.Release()
		return nil, fmt.Errorf("%w: start browser: %w", crawler.ErrAcquisition, err)
	}

	setupCtx, cancel := context.WithTimeout(taskCtx, s.navTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(setupCtx, s.setupAction()); err != nil {
		s.Release()
		return nil, fmt.Errorf("%w: prepare tab: %w", crawler.ErrAcquisition, err)
	}
	return s, nil
}

func (l *Launcher) acquireSlot(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (l *Launcher) releaseSlot() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}

type pendingResponse struct {
	rule   string
	url    string
	status int
}

type session struct {
	cfg         Config
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	buffer      *browser.TrafficBuffer
	releaseSlot func()
	logger      *zap.Logger

	mu       sync.Mutex
	rules    []browser.TrafficRule
	pending  map[network.RequestID]pendingResponse
	released bool

	bodies    sync.WaitGroup
	release   sync.Once
	fetchBody func(network.RequestID, pendingResponse)
}

func (s *session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *session) Navigate(ctx context.Context, url string, readySelector string) error {
	runCtx, cancel := context.WithTimeout(s.taskCtx, s.navTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if readySelector != "" {
		actions = append(actions, chromedp.WaitReady(readySelector, chromedp.ByQuery))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return s.classify(ctx, runCtx, fmt.Sprintf("navigate %s", url), browser.ErrTimeout, err)
	}
	return nil
}

func (s *session) Interact(ctx context.Context, selector string, action browser.Action) error {
	runCtx, cancel := context.WithTimeout(s.taskCtx, s.actionTimeout())
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if action == browser.ActionWaitVisible {
		if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
			return s.classify(ctx, runCtx, fmt.Sprintf("wait for %s", selector), browser.ErrElementNotFound, err)
		}
		return nil
	}

	var nodes []*cdp.Node
	if err := chromedp.Run(runCtx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return s.classify(ctx, runCtx, fmt.Sprintf("query %s", selector), browser.ErrElementNotFound, err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%s: %w", selector, browser.ErrElementNotFound)
	}

	var act chromedp.Action
	switch action {
	case browser.ActionClick:
		act = chromedp.MouseClickNode(nodes[0])
	case browser.ActionPressEnd:
		act = chromedp.SendKeys(selector, kb.End, chromedp.ByQuery)
	case browser.ActionScrollIntoView:
		act = chromedp.ScrollIntoView(selector, chromedp.ByQuery)
	default:
		return fmt.Errorf("unsupported action %s", action)
	}
	if err := chromedp.Run(runCtx, act); err != nil {
		return s.classify(ctx, runCtx, fmt.Sprintf("%s %s", action, selector), browser.ErrElementNotFound, err)
	}
	return nil
}

// classify maps a chromedp failure to the session error taxonomy: the caller's
// cancellation wins, then our own deadline, then the raw error.
func (s *session) classify(parent, runCtx context.Context, op string, onDeadline error, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, onDeadline)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *session) Observe(rule browser.TrafficRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

func (s *session) Drain() []browser.Capture {
	return s.buffer.Drain()
}

func (s *session) Release() {
	s.release.Do(func() {
		s.mu.Lock()
		s.released = true
		s.rules = nil
		s.pending = make(map[network.RequestID]pendingResponse)
		s.mu.Unlock()

		s.taskCancel()
		s.allocCancel()
		s.bodies.Wait()
		s.buffer.Close()
		s.releaseSlot()
		metrics.DecBrowserSessions()
		if dropped := s.buffer.Dropped(); dropped > 0 {
			s.logger.Warn("traffic buffer overflowed", zap.Int("dropped", dropped))
		}
	})
}

func (s *session) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.onRequest(e)
	case *network.EventResponseReceived:
		s.onResponse(e)
	case *network.EventLoadingFinished:
		s.onFinished(e)
	case *network.EventLoadingFailed:
		s.mu.Lock()
		delete(s.pending, e.RequestID)
		s.mu.Unlock()
	}
}

func (s *session) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	s.mu.Lock()
	rules := s.rules
	s.mu.Unlock()
	for _, r := range rules {
		if r.Match(browser.PhaseRequest, e.Request.Method, e.Request.URL) {
			s.buffer.Push(browser.Capture{
				Rule:   r.Name,
				Phase:  browser.PhaseRequest,
				Method: e.Request.Method,
				URL:    e.Request.URL,
			})
			return
		}
	}
}

func (s *session) onResponse(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.Match(browser.PhaseResponse, "", e.Response.URL) {
			s.pending[e.RequestID] = pendingResponse{rule: r.Name, url: e.Response.URL, status: int(e.Response.Status)}
			return
		}
	}
}

// onFinished fetches the body off the event goroutine; chromedp does not allow
// issuing commands from inside a listener.
func (s *session) onFinished(e *network.EventLoadingFinished) {
	s.mu.Lock()
	p, ok := s.pending[e.RequestID]
	delete(s.pending, e.RequestID)
	if !ok || s.released {
		s.mu.Unlock()
		return
	}
	// Added under mu so Release, which flips released under mu before
	// waiting, never races a new body fetch.
	s.bodies.Add(1)
	s.mu.Unlock()
	fetch := s.fetchBody
	if fetch == nil {
		fetch = s.responseBody
	}
	go func() {
		defer s.bodies.Done()
		fetch(e.RequestID, p)
	}()
}

func (s *session) responseBody(id network.RequestID, p pendingResponse) {
	c := chromedp.FromContext(s.taskCtx)
	if c == nil || c.Target == nil {
		return
	}
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(s.taskCtx, c.Target))
	if err != nil {
		s.logger.Debug("response body unavailable", zap.String("url", p.url), zap.Error(err))
		return
	}
	s.buffer.Push(browser.Capture{
		Rule:   p.rule,
		Phase:  browser.PhaseResponse,
		URL:    p.url,
		Status: p.status,
		Body:   body,
	})
}

func (s *session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (s *session) actionTimeout() time.Duration {
	if s.cfg.ActionTimeout > 0 {
		return s.cfg.ActionTimeout
	}
	return 5 * time.Second
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
