// Package browser describes the headless browser capability used by the feed
// adapters: navigation, DOM interaction and passive observation of network traffic.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout means a navigation readiness predicate did not hold in time.
	ErrTimeout = errors.New("browser navigation timed out")
	// ErrElementNotFound means an interaction target is absent from the page.
	ErrElementNotFound = errors.New("element not found")
)

// Action is a UI action performed on the first element matching a selector.
type Action int

// Supported UI actions.
const (
	ActionClick Action = iota
	ActionWaitVisible
	ActionPressEnd
	ActionScrollIntoView
)

func (a Action) String() string {
	switch a {
	case ActionClick:
		return "click"
	case ActionWaitVisible:
		return "wait_visible"
	case ActionPressEnd:
		return "press_end"
	case ActionScrollIntoView:
		return "scroll_into_view"
	default:
		return "unknown"
	}
}

// Launcher starts browser sessions. Every session is a dedicated browser process.
type Launcher interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session wraps one controllable browser instance.
//
// Release must be called on every exit path; it is idempotent. Captures collected
// by Observe rules are buffered inside the session until Drain is called.
type Session interface {
	Navigate(ctx context.Context, url string, readySelector string) error
	Interact(ctx context.Context, selector string, action Action) error
	Observe(rule TrafficRule)
	Drain() []Capture
	Release()
}

// Pause waits for d or until ctx ends. Adapters use it to let rendering and
// background requests settle.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
