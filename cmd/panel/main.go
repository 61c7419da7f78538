package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/webcmdk/sidepanel/internal/bridge"
	"github.com/webcmdk/sidepanel/internal/protocol"
	"github.com/webcmdk/sidepanel/internal/provider"
	"github.com/webcmdk/sidepanel/internal/session"
	"github.com/webcmdk/sidepanel/internal/version"
)

func main() {
	daemonURL := envOr("PANEL_DAEMON_URL", "http://127.0.0.1:8710")
	clientID := os.Getenv("PANEL_CLIENT_ID")
	baseURL := os.Getenv("PANEL_BASE_URL")
	routerURL := envOr("PANEL_ROUTER_URL", "https://api.webcmdk.com/v1")
	if clientID == "" || baseURL == "" {
		log.Fatal("PANEL_CLIENT_ID and PANEL_BASE_URL must be set")
	}

	if err := provider.InitFromFile(envOr("PANEL_MODELS", "models.yaml")); err != nil {
		log.Fatalf("Failed to load model catalog: %v", err)
	}

	br := bridge.New(daemonURL, clientID, baseURL)

	factory := session.StreamerFactory(func(ctx context.Context, model provider.Model) (session.Streamer, error) {
		token, err := br.RequestToken(ctx)
		if err != nil {
			return nil, err
		}
		if token == nil {
			return nil, errors.New("not signed in; use /login")
		}
		return provider.NewStreamer(model, *token, routerURL)
	})

	printer := &streamPrinter{}
	var sess *session.Session
	sess = session.New(br, factory, session.WithUpdateFunc(func() {
		printer.render(sess.Messages())
	}))
	defer sess.Close()

	syncAuth(br, sess)

	unsubscribe, err := br.SubscribeContextUpdates(
		func(entry protocol.ContextEntry) {
			sess.AddContext(entry)
			fmt.Printf("\n📎 Context attached: %s (%s)\n> ", entry.Title, entry.URL)
		},
		func() {
			syncAuth(br, sess)
		},
	)
	if err != nil {
		log.Printf("⚠️  Event stream unavailable: %v", err)
	} else {
		defer unsubscribe()
	}

	fmt.Printf("panel %s — connected to %s\n", version.Version, daemonURL)
	fmt.Println("Type a message, or /help for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "/") {
			if !runCommand(br, sess, line) {
				return
			}
			fmt.Print("> ")
			continue
		}
		if line != "" {
			if err := sess.Send(context.Background(), line); err != nil {
				fmt.Printf("⚠️  %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}

// runCommand handles slash commands; returns false when the REPL should exit.
func runCommand(br *bridge.Bridge, sess *session.Session, line string) bool {
	fields := strings.Fields(line)
	ctx := context.Background()

	switch fields[0] {
	case "/help":
		fmt.Println("/login /logout /status /models /model <id> /context /detach <tab-id> /quit")
	case "/login":
		fmt.Println("Opening sign-in; complete it in your browser...")
		sess.SetAuthState(session.Authenticating, nil)
		resp, err := br.RequestAuth(ctx)
		if err != nil || !resp.Success || resp.User == nil {
			sess.SetAuthState(session.Unauthenticated, nil)
			if err == nil {
				err = errors.New(resp.Error)
			}
			fmt.Printf("⚠️  Sign-in failed: %v\n", err)
			break
		}
		sess.SetAuthState(session.Authenticated, resp.User)
		fmt.Printf("✅ Signed in as %s\n", resp.User.Email)
	case "/logout":
		if err := br.RequestSignOut(ctx); err != nil {
			fmt.Printf("⚠️  %v\n", err)
			break
		}
		sess.SetAuthState(session.Unauthenticated, nil)
		fmt.Println("Signed out.")
	case "/status":
		state, user := sess.AuthState()
		if state == session.Authenticated && user != nil {
			fmt.Printf("Signed in as %s, model %s\n", user.Email, sess.Model().ModelID)
		} else {
			fmt.Println("Not signed in.")
		}
	case "/models":
		for _, m := range provider.Models() {
			marker := " "
			if m.ModelID == sess.Model().ModelID {
				marker = "*"
			}
			fmt.Printf(" %s %s (%s)\n", marker, m.ModelID, m.Provider)
		}
	case "/model":
		if len(fields) < 2 {
			fmt.Println("usage: /model <model-id>")
			break
		}
		m, ok := provider.Find(fields[1])
		if !ok {
			fmt.Printf("⚠️  Unknown model %q; see /models\n", fields[1])
			break
		}
		if err := sess.SelectModel(m); err != nil {
			fmt.Printf("⚠️  %v\n", err)
			break
		}
		fmt.Printf("Model set to %s\n", m.ModelID)
	case "/context":
		entries := sess.Contexts()
		if len(entries) == 0 {
			fmt.Println("No tabs attached.")
			break
		}
		for _, e := range entries {
			fmt.Printf("  [%d] %s (%s)\n", e.TabID, e.Title, e.URL)
		}
	case "/detach":
		if len(fields) < 2 {
			fmt.Println("usage: /detach <tab-id>")
			break
		}
		tabID, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("usage: /detach <tab-id>")
			break
		}
		sess.RemoveContext(tabID)
	case "/quit", "/exit":
		return false
	default:
		fmt.Printf("Unknown command %s; see /help\n", fields[0])
	}
	return true
}

func syncAuth(br *bridge.Bridge, sess *session.Session) {
	status, err := br.CheckAuth(context.Background())
	if err != nil {
		log.Printf("⚠️  Auth status unavailable: %v", err)
		return
	}
	if status.IsAuthenticated {
		sess.SetAuthState(session.Authenticated, status.User)
	} else {
		sess.SetAuthState(session.Unauthenticated, nil)
	}
}

// streamPrinter writes assistant output incrementally as deltas land. It
// tracks how many messages are fully printed and how much of the current
// streaming message has been flushed.
type streamPrinter struct {
	mu        sync.Mutex
	done      int
	currentID string
	printed   int
}

func (p *streamPrinter) render(messages []session.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.done < len(messages) {
		m := messages[p.done]
		if m.IsStreaming {
			if m.ID != p.currentID {
				p.currentID = m.ID
				p.printed = 0
				fmt.Print("\n")
			}
			if len(m.Text) > p.printed {
				fmt.Print(m.Text[p.printed:])
				p.printed = len(m.Text)
			}
			return
		}
		switch {
		case m.ID == p.currentID:
			// Just sealed: flush the tail and close the line.
			if len(m.Text) > p.printed {
				fmt.Print(m.Text[p.printed:])
			}
			fmt.Print("\n")
		case !m.IsUser:
			fmt.Printf("\n%s\n", m.Text)
		}
		p.currentID = ""
		p.printed = 0
		p.done++
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
