// Package session holds per-session conversational state: a bounded window of
// recent prompts, a cached summary of that window and a step counter.
//
// Sessions are created lazily on first reference and live for the lifetime of
// the process. The Store is safe for concurrent use; each session carries its
// own mutex so different sessions never contend.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultWindowSize is the number of previous prompts kept per session.
	DefaultWindowSize = 2
	// DefaultSummaryThreshold is the joined context length, in characters,
	// above which the context should be summarized.
	DefaultSummaryThreshold = 100
)

// Session is the state for one session key.
type Session struct {
	id        string
	createdAt time.Time

	mu      sync.Mutex
	prompts []string
	steps   uint64
	// summary is valid only while the joined prompts equal summaryOf.
	summary   string
	summaryOf string

	// run is a one-slot semaphore serializing plan runs for the session.
	run chan struct{}
}

// ID returns the session key.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was first referenced.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Store manages sessions keyed by an opaque string.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	window    int
	threshold int
}

// NewStore creates a store. A window below 1 or a negative threshold falls
// back to the defaults.
func NewStore(windowSize, summaryThreshold int) *Store {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	if summaryThreshold < 0 {
		summaryThreshold = DefaultSummaryThreshold
	}
	return &Store{
		sessions:  make(map[string]*Session),
		window:    windowSize,
		threshold: summaryThreshold,
	}
}

// GetOrCreate returns the session for key, creating an empty one if needed.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[key]; ok {
		return sess
	}
	sess = &Session{
		id:        key,
		createdAt: time.Now(),
		prompts:   make([]string, 0, s.window),
		run:       make(chan struct{}, 1),
	}
	s.sessions[key] = sess
	return sess
}

// AppendPrompt appends text to the session window, evicting the oldest
// prompts beyond the window size.
func (s *Store) AppendPrompt(key, text string) {
	sess := s.GetOrCreate(key)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.prompts = append(sess.prompts, text)
	if excess := len(sess.prompts) - s.window; excess > 0 {
		sess.prompts = append(sess.prompts[:0], sess.prompts[excess:]...)
	}
}

// ReadContext returns the previous prompts joined by a single space and
// whether that string is longer than the summary threshold.
func (s *Store) ReadContext(key string) (previous string, needsSummary bool) {
	sess := s.GetOrCreate(key)

	sess.mu.Lock()
	previous = sess.joined()
	sess.mu.Unlock()

	return previous, utf8.RuneCountInString(previous) > s.threshold
}

// NextStepID mints the next step id for the session, "<key>-<n>" with n
// starting at 1.
func (s *Store) NextStepID(key string) string {
	sess := s.GetOrCreate(key)

	sess.mu.Lock()
	sess.steps++
	n := sess.steps
	sess.mu.Unlock()

	return key + "-" + strconv.FormatUint(n, 10)
}

// CachedSummary returns the cached summary if it was produced from the
// session's current context.
func (s *Store) CachedSummary(key string) (string, bool) {
	sess := s.GetOrCreate(key)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.summary == "" || sess.summaryOf != sess.joined() {
		return "", false
	}
	return sess.summary, true
}

// SetSummary caches summary as the condensed form of previous. It is
// discarded once the window moves on from previous.
func (s *Store) SetSummary(key, previous, summary string) {
	sess := s.GetOrCreate(key)

	sess.mu.Lock()
	sess.summary = summary
	sess.summaryOf = previous
	sess.mu.Unlock()
}

// Lock acquires the run lock for key, blocking until it is free or ctx is
// done. The returned func releases the lock and is safe to call more than once.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	sess := s.GetOrCreate(key)

	select {
	case sess.run <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sess.run })
	}, nil
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// WindowSize returns the configured prompt window size.
func (s *Store) WindowSize() int { return s.window }

// SummaryThreshold returns the configured summary threshold.
func (s *Store) SummaryThreshold() int { return s.threshold }

// joined must be called with s.mu held.
func (s *Session) joined() string {
	return strings.Join(s.prompts, " ")
}
