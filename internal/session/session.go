// Package session owns the panel's conversation state: authentication
// status, the selected model, the ordered message list, attached tab
// contexts, and the per-turn phase. All mutation goes through its
// operations; consumers read snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webcmdk/sidepanel/internal/protocol"
	"github.com/webcmdk/sidepanel/internal/provider"
)

// Phase is the per-turn sub-state while authenticated.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingContext
	PhaseGenerating
)

func (p Phase) String() string {
	switch p {
	case PhaseFetchingContext:
		return "fetching-context"
	case PhaseGenerating:
		return "generating"
	default:
		return "idle"
	}
}

// AuthState is the coarse authentication state.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
)

// Message is one conversation entry. Assistant messages stream: they start
// empty with IsStreaming set and are sealed when the reply finishes.
type Message struct {
	ID          string
	Text        string
	IsUser      bool
	Timestamp   time.Time
	IsStreaming bool
}

var (
	// ErrEmptyMessage rejects blank or whitespace-only input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy rejects a send while a turn is already in flight.
	ErrBusy = errors.New("a turn is already in progress")
	// ErrClosed rejects operations after teardown.
	ErrClosed = errors.New("session is closed")
)

// ContextFetcher resolves tab content for a snapshot of context entries.
// The bridge implements it.
type ContextFetcher interface {
	GetContextFromTabs(ctx context.Context, entries []protocol.ContextEntry) ([]protocol.TabContent, error)
}

// Streamer produces the model reply as an ordered, finite delta sequence.
type Streamer interface {
	Stream(ctx context.Context, system string, history []provider.Turn) (<-chan provider.Chunk, error)
}

// StreamerFactory builds a Streamer for the current selection at turn time,
// so each turn picks up a freshly validated token.
type StreamerFactory func(ctx context.Context, model provider.Model) (Streamer, error)

// Session is the single source of truth for one panel's conversation.
type Session struct {
	fetcher     ContextFetcher
	newStreamer StreamerFactory

	mu        sync.Mutex
	closed    bool
	phase     Phase
	authState AuthState
	user      *protocol.User
	model     provider.Model
	messages  []Message
	contexts  []protocol.ContextEntry
	onUpdate  func()
}

// Option configures a Session.
type Option func(*Session)

// WithModel sets the initial model selection.
func WithModel(m provider.Model) Option {
	return func(s *Session) { s.model = m }
}

// WithUpdateFunc installs a hook invoked after every state change, for the
// surface to re-render. Called without the session lock held.
func WithUpdateFunc(fn func()) Option {
	return func(s *Session) { s.onUpdate = fn }
}

// New creates an idle, unauthenticated session.
func New(fetcher ContextFetcher, newStreamer StreamerFactory, opts ...Option) *Session {
	s := &Session{
		fetcher:     fetcher,
		newStreamer: newStreamer,
		model:       provider.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAuthState records the authentication state pushed down by the bridge.
func (s *Session) SetAuthState(state AuthState, user *protocol.User) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.authState = state
	s.user = user
	s.mu.Unlock()
	s.notify()
}

// AuthState returns the current authentication state and user.
func (s *Session) AuthState() (AuthState, *protocol.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authState, s.user
}

// Phase returns the current turn phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Model returns the active selection.
func (s *Session) Model() provider.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SelectModel switches the active selection for future turns. Disallowed
// mid-turn; past messages are never altered.
func (s *Session) SelectModel(m provider.Model) error {
	if err := provider.ValidateProvider(m.Provider); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.model = m
	s.mu.Unlock()
	s.notify()
	return nil
}

// Messages returns a snapshot of the conversation in append order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Contexts returns a snapshot of the attached context entries.
func (s *Session) Contexts() []protocol.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ContextEntry, len(s.contexts))
	copy(out, s.contexts)
	return out
}

// AddContext attaches a tab as a context source. At most one entry exists
// per tab id: a push for a known id replaces the entry only when its URL
// changed; same id and same URL is a no-op. Additions mid-turn affect the
// next turn only.
func (s *Session) AddContext(entry protocol.ContextEntry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	replaced := false
	for i, existing := range s.contexts {
		if existing.TabID == entry.TabID {
			if existing.URL != entry.URL {
				s.contexts[i] = entry
				changed = true
			}
			replaced = true
			break
		}
	}
	if !replaced {
		s.contexts = append(s.contexts, entry)
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// RemoveContext detaches a tab from the conversation.
func (s *Session) RemoveContext(tabID int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i, existing := range s.contexts {
		if existing.TabID == tabID {
			s.contexts = append(s.contexts[:i], s.contexts[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Close tears the session down. In-flight work stops mutating state; any
// deltas still arriving are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) notify() {
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

// newMessageID produces unique, time-ordered ids: sorting by id prefix
// yields append order, the uuid suffix removes collisions.
func newMessageID(ts time.Time) string {
	return fmt.Sprintf("%019d-%s", ts.UnixNano(), uuid.NewString())
}

func trimmed(text string) (string, bool) {
	t := strings.TrimSpace(text)
	return t, t != ""
}
