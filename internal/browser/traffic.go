package browser

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Phase selects which side of an exchange a rule observes.
type Phase string

// Observation phases.
const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// RuleSpec is the configuration form of a TrafficRule.
type RuleSpec struct {
	Name       string `mapstructure:"name"`
	Phase      string `mapstructure:"phase"`
	Method     string `mapstructure:"method"`
	URLPattern string `mapstructure:"url_pattern"`
	Capture    string `mapstructure:"capture"`
}

// TrafficRule is a predicate over a request or response descriptor, optionally
// with a capture pattern extracting a value from the URL.
type TrafficRule struct {
	Name       string
	Phase      Phase
	Method     string
	URLPattern *regexp.Regexp
	Capture    *regexp.Regexp
}

// CompileRule validates spec and compiles its patterns.
func CompileRule(spec RuleSpec) (TrafficRule, error) {
	phase := Phase(strings.ToLower(strings.TrimSpace(spec.Phase)))
	if phase == "" {
		phase = PhaseResponse
	}
	if phase != PhaseRequest && phase != PhaseResponse {
		return TrafficRule{}, fmt.Errorf("rule %s: unknown phase %q", spec.Name, spec.Phase)
	}
	if strings.TrimSpace(spec.URLPattern) == "" {
		return TrafficRule{}, fmt.Errorf("rule %s: url pattern is required", spec.Name)
	}
	pattern, err := regexp.Compile(spec.URLPattern)
	if err != nil {
		return TrafficRule{}, fmt.Errorf("rule %s: compile url pattern: %w", spec.Name, err)
	}
	rule := TrafficRule{
		Name:       spec.Name,
		Phase:      phase,
		Method:     strings.ToUpper(strings.TrimSpace(spec.Method)),
		URLPattern: pattern,
	}
	if spec.Capture != "" {
		capture, err := regexp.Compile(spec.Capture)
		if err != nil {
			return TrafficRule{}, fmt.Errorf("rule %s: compile capture: %w", spec.Name, err)
		}
		if capture.NumSubexp() < 1 {
			return TrafficRule{}, fmt.Errorf("rule %s: capture needs a group", spec.Name)
		}
		rule.Capture = capture
	}
	return rule, nil
}

// MustCompileRule is CompileRule for package-level defaults; it panics on error.
func MustCompileRule(spec RuleSpec) TrafficRule {
	rule, err := CompileRule(spec)
	if err != nil {
		panic(err)
	}
	return rule
}

// Match reports whether an exchange in the given phase satisfies the rule.
func (r TrafficRule) Match(phase Phase, method, url string) bool {
	if r.URLPattern == nil || phase != r.Phase {
		return false
	}
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return r.URLPattern.MatchString(url)
}

// Extract returns the first capture group found in the capture's URL.
func (r TrafficRule) Extract(c Capture) (string, bool) {
	if r.Capture == nil {
		return "", false
	}
	m := r.Capture.FindStringSubmatch(c.URL)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// Capture is one observed request or completed response.
type Capture struct {
	Rule   string
	Phase  Phase
	Method string
	URL    string
	Status int
	Body   []byte
}

// DefaultBufferSize bounds a session's traffic buffer when no size is configured.
const DefaultBufferSize = 256

// TrafficBuffer is a bounded, synchronized queue of captures. When full, the
// oldest capture is discarded. Pushes after Close are ignored.
type TrafficBuffer struct {
	mu      sync.Mutex
	items   []Capture
	limit   int
	dropped int
	closed  bool
}

// NewTrafficBuffer creates an open buffer holding at most limit captures.
func NewTrafficBuffer(limit int) *TrafficBuffer {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	return &TrafficBuffer{limit: limit}
}

// NewClosedBuffer returns a closed buffer pre-populated with captures.
func NewClosedBuffer(captures ...Capture) *TrafficBuffer {
	limit := len(captures)
	if limit == 0 {
		limit = 1
	}
	return &TrafficBuffer{
		items:  append([]Capture(nil), captures...),
		limit:  limit,
		closed: true,
	}
}

// Push appends c and reports whether it was kept.
func (b *TrafficBuffer) Push(c Capture) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if len(b.items) >= b.limit {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, c)
	return true
}

// Drain returns and clears every buffered capture.
func (b *TrafficBuffer) Drain() []Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Close stops accepting captures. Buffered captures can still be drained.
func (b *TrafficBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Dropped returns how many captures were discarded because the buffer was full.
func (b *TrafficBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
