// Package browsertest provides scripted browser sessions for adapter tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-crawler/internal/browser"
)

// Launcher hands out sessions built by New, or fails with Err.
type Launcher struct {
	New func() *Session
	Err error

	mu       sync.Mutex
	acquired []*Session
}

// Acquire implements browser.Launcher.
func (l *Launcher) Acquire(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}
	s := &Session{}
	if l.New != nil {
		s = l.New()
	}
	l.mu.Lock()
	l.acquired = append(l.acquired, s)
	l.mu.Unlock()
	return s, nil
}

// Acquired returns every session handed out so far.
func (l *Launcher) Acquired() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.acquired...)
}

// Session replays Script: each Drain returns the next entry, filtered by the
// observed rules. Once the script is exhausted Drain returns nothing.
type Session struct {
	NavigateErr error
	InteractErr map[string]error
	Script      [][]browser.Capture

	mu           sync.Mutex
	rules        []browser.TrafficRule
	drains       int
	navigations  []string
	interactions []string
	releases     int
}

// Navigate records the URL and returns NavigateErr.
func (s *Session) Navigate(_ context.Context, url string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	return s.NavigateErr
}

// Interact records the action and returns the error configured for the selector.
func (s *Session) Interact(_ context.Context, selector string, action browser.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, fmt.Sprintf("%s:%s", action, selector))
	return s.InteractErr[selector]
}

// Observe registers a rule used to filter scripted captures.
func (s *Session) Observe(rule browser.TrafficRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// Drain returns the next scripted batch of matching captures.
func (s *Session) Drain() []browser.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.drains
	s.drains++
	if idx >= len(s.Script) {
		return nil
	}
	var out []browser.Capture
	for _, c := range s.Script[idx] {
		for _, r := range s.rules {
			if r.Match(c.Phase, c.Method, c.URL) {
				c.Rule = r.Name
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Release counts releases.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
}

// Releases returns how many times Release was called.
func (s *Session) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Drains returns how many times Drain was called.
func (s *Session) Drains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

// Navigations returns the visited URLs.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

// Interactions returns the performed actions formatted as "action:selector".
func (s *Session) Interactions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interactions...)
}
