package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
	"github.com/webcmdk/sidepanel/internal/provider"
)

// baseInstruction anchors every system prompt; fetched tab contents are
// appended behind it.
const baseInstruction = "You are a helpful assistant. The current date and time is %s. " +
	"Whenever you are asked to write code, include a language tag with the code fence."

// Send runs one full turn: append the user message, resolve tab context,
// stream the reply through the assembler, and return to idle. Rejections
// (empty input, busy, closed) come back as errors; model-call failures are
// absorbed into a visible error message and Send returns nil.
func (s *Session) Send(ctx context.Context, text string) error {
	text, ok := trimmed(text)
	if !ok {
		return ErrEmptyMessage
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
	now := time.Now()
	s.messages = append(s.messages, Message{
		ID:        newMessageID(now),
		Text:      text,
		IsUser:    true,
		Timestamp: now,
	})
	s.phase = PhaseFetchingContext
	// The turn works from snapshots: contexts attached after this point
	// belong to the next turn.
	entries := make([]protocol.ContextEntry, len(s.contexts))
	copy(entries, s.contexts)
	history := historyFrom(s.messages)
	model := s.model
	s.mu.Unlock()
	s.notify()

	defer s.endTurn()

	contents := s.fetchContexts(ctx, entries)

	if !s.transition(PhaseGenerating) {
		return nil
	}

	system := fmt.Sprintf(baseInstruction, time.Now().Format("Mon Jan 2 2006 15:04")) + renderTabContents(contents)

	streamer, err := s.newStreamer(ctx, model)
	if err != nil {
		s.appendErrorMessage(err)
		return nil
	}
	chunks, err := streamer.Stream(ctx, system, history)
	if err != nil {
		s.appendErrorMessage(err)
		return nil
	}

	s.assemble(chunks)
	return nil
}

// fetchContexts resolves tab content for the snapshot, order preserved.
// Fetch failures degrade to no context; they never abort the turn.
func (s *Session) fetchContexts(ctx context.Context, entries []protocol.ContextEntry) []protocol.TabContent {
	if len(entries) == 0 {
		return nil
	}
	contents, err := s.fetcher.GetContextFromTabs(ctx, entries)
	if err != nil {
		log.Printf("[session] tab context unavailable: %v", err)
		return nil
	}
	return contents
}

// assemble consumes the delta sequence while keeping exactly one message
// streaming. On an error chunk the partial text is preserved and a separate
// error message appended. After Close, deltas are discarded silently.
func (s *Session) assemble(chunks <-chan provider.Chunk) {
	now := time.Now()
	id := newMessageID(now)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Appended empty and streaming before the first delta so the surface
	// can show a live indicator immediately.
	s.messages = append(s.messages, Message{
		ID:          id,
		IsUser:      false,
		Timestamp:   now,
		IsStreaming: true,
	})
	s.mu.Unlock()
	s.notify()

	for chunk := range chunks {
		if chunk.Err != nil {
			s.sealStreaming(id)
			s.appendErrorMessage(chunk.Err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		for i := range s.messages {
			if s.messages[i].ID == id {
				s.messages[i].Text += chunk.Delta
				break
			}
		}
		s.mu.Unlock()
		s.notify()
	}

	s.sealStreaming(id)
}

// sealStreaming clears the streaming flag, preserving accumulated text.
func (s *Session) sealStreaming(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].IsStreaming = false
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// appendErrorMessage surfaces a turn failure as a conversation entry. Any
// message still streaming is sealed first so partial output survives.
func (s *Session) appendErrorMessage(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].IsStreaming {
			s.messages[i].IsStreaming = false
		}
	}
	now := time.Now()
	s.messages = append(s.messages, Message{
		ID:        newMessageID(now),
		Text:      "Error: " + err.Error(),
		IsUser:    false,
		Timestamp: now,
	})
	s.mu.Unlock()
	s.notify()
}

// transition advances the turn phase, refusing after teardown.
func (s *Session) transition(p Phase) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.phase = p
	s.mu.Unlock()
	s.notify()
	return true
}

// endTurn returns to idle no matter how the turn finished; no error path
// may leave the input disabled.
func (s *Session) endTurn() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseIdle
	s.mu.Unlock()
	s.notify()
}

// historyFrom renders the conversation as provider turns. Tab content rides
// in the system prompt, never in the history itself.
func historyFrom(messages []Message) []provider.Turn {
	turns := make([]provider.Turn, 0, len(messages))
	for _, m := range messages {
		role := "assistant"
		if m.IsUser {
			role = "user"
		}
		turns = append(turns, provider.Turn{Role: role, Content: m.Text})
	}
	return turns
}

// renderTabContents formats fetched page text for the system prompt, each
// page wrapped in explicit markers, indexed when there is more than one.
func renderTabContents(contents []protocol.TabContent) string {
	withText := contents[:0:0]
	for _, c := range contents {
		if c.Content != nil && *c.Content != "" {
			withText = append(withText, c)
		}
	}
	if len(withText) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, c := range withText {
		label := "PAGE CONTEXT"
		if len(withText) > 1 {
			label = fmt.Sprintf("PAGE CONTEXT %d of %d", i+1, len(withText))
		}
		sb.WriteString("\n\n[" + label + "]\n")
		if c.URL != nil {
			sb.WriteString("URL: " + *c.URL + "\n")
		}
		if c.Title != nil {
			sb.WriteString("Title: " + *c.Title + "\n")
		}
		sb.WriteString("Content: " + *c.Content + "\n")
		sb.WriteString("[END " + label + "]")
	}
	sb.WriteString("\n\nUse the above page content as context when answering. It comes from pages the user is currently viewing.\n")
	return sb.String()
}
