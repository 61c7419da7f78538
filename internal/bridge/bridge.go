// Package bridge is the panel-side client of the daemon's message
// protocol: it turns each addressed request into a plain call returning a
// result or a BridgeError, and exposes the push channel as a subscription
// with an explicit unsubscribe.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
)

// Bridge talks to one running daemon.
type Bridge struct {
	daemonURL  string
	clientID   string
	baseURL    string
	httpClient *http.Client
}

// New creates a Bridge for the daemon at daemonURL. clientID and baseURL
// identify the app against the hosted auth service and ride along on every
// token-related request.
func New(daemonURL, clientID, baseURL string) *Bridge {
	return &Bridge{
		daemonURL:  strings.TrimRight(daemonURL, "/"),
		clientID:   clientID,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CheckAuth reads the daemon's view of the stored auth state.
func (b *Bridge) CheckAuth(ctx context.Context) (*protocol.CheckAuthResponse, error) {
	var resp protocol.CheckAuthResponse
	if err := b.get(ctx, protocol.ActionCheckAuth, "/v1/auth/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestAuth triggers the interactive sign-in. It blocks until the flow
// completes, is denied, or times out, so it uses a client without the
// default request timeout.
func (b *Bridge) RequestAuth(ctx context.Context) (*protocol.AuthenticateResponse, error) {
	body, err := json.Marshal(protocol.AuthenticateRequest{ClientID: b.clientID, BaseURL: b.baseURL})
	if err != nil {
		return nil, &protocol.BridgeError{Action: protocol.ActionAuthenticate, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.daemonURL+"/v1/authenticate", bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.BridgeError{Action: protocol.ActionAuthenticate, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, &protocol.BridgeError{Action: protocol.ActionAuthenticate, Err: err}
	}
	defer httpResp.Body.Close()

	var resp protocol.AuthenticateResponse
	if err := decodeResponse(httpResp, &resp); err != nil {
		return nil, &protocol.BridgeError{Action: protocol.ActionAuthenticate, Err: err}
	}
	return &resp, nil
}

// RequestToken asks for a valid access token; nil means none is available.
func (b *Bridge) RequestToken(ctx context.Context) (*string, error) {
	var resp protocol.TokenResponse
	err := b.post(ctx, protocol.ActionGetToken, "/v1/token",
		protocol.TokenRequest{ClientID: b.clientID, BaseURL: b.baseURL}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Token, nil
}

// RequestSignOut clears the stored credentials.
func (b *Bridge) RequestSignOut(ctx context.Context) error {
	var resp protocol.SignOutResponse
	if err := b.post(ctx, protocol.ActionSignOut, "/v1/signout", struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &protocol.BridgeError{Action: protocol.ActionSignOut, Err: fmt.Errorf("daemon reported failure")}
	}
	return nil
}

// RequestTabContent extracts the active tab's text.
func (b *Bridge) RequestTabContent(ctx context.Context) (*protocol.TabContent, error) {
	var resp protocol.TabContent
	if err := b.get(ctx, protocol.ActionGetTabContent, "/v1/tab-content", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetContextFromTabs resolves content for a snapshot of context entries,
// one TabContent per entry in the same order.
func (b *Bridge) GetContextFromTabs(ctx context.Context, entries []protocol.ContextEntry) ([]protocol.TabContent, error) {
	var resp protocol.ContextFromTabsResponse
	err := b.post(ctx, protocol.ActionGetContextFromTabs, "/v1/context-from-tabs",
		protocol.ContextFromTabsRequest{Contexts: entries}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Contents, nil
}

// SubscribeContextUpdates opens the long-lived event stream. onContext
// receives every pushed context entry; onAuthChanged (optional) fires when
// the daemon's credential record changes. The returned function tears the
// channel down; events arriving afterwards are discarded.
func (b *Bridge) SubscribeContextUpdates(onContext func(protocol.ContextEntry), onAuthChanged func()) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.daemonURL+"/v1/events", nil)
	if err != nil {
		cancel()
		return nil, &protocol.BridgeError{Action: "SUBSCRIBE", Err: err}
	}

	// Long-lived stream: no request timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, &protocol.BridgeError{Action: "SUBSCRIBE", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &protocol.BridgeError{Action: "SUBSCRIBE", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				log.Printf("[bridge] dropping malformed event: %v", err)
				continue
			}
			// Discard anything that raced past cancellation.
			if ctx.Err() != nil {
				return
			}
			switch ev.Action {
			case protocol.ActionAddContext:
				if ev.Context != nil {
					onContext(*ev.Context)
				}
			case protocol.ActionAuthChanged:
				if onAuthChanged != nil {
					onAuthChanged()
				}
			}
		}
	}()

	return cancel, nil
}

func (b *Bridge) get(ctx context.Context, action, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.daemonURL+path, nil)
	if err != nil {
		return &protocol.BridgeError{Action: action, Err: err}
	}
	return b.do(action, req, out)
}

func (b *Bridge) post(ctx context.Context, action, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &protocol.BridgeError{Action: action, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.daemonURL+path, bytes.NewReader(body))
	if err != nil {
		return &protocol.BridgeError{Action: action, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(action, req, out)
}

func (b *Bridge) do(action string, req *http.Request, out interface{}) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &protocol.BridgeError{Action: action, Err: err}
	}
	defer resp.Body.Close()
	if err := decodeResponse(resp, out); err != nil {
		return &protocol.BridgeError{Action: action, Err: err}
	}
	return nil
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}
