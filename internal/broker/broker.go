// Package broker is the privileged background component: the only writer of
// the credential store, the only place the OAuth exchange and refresh run,
// and the mediator for tab content extraction. Panels talk to it through
// the message protocol; they never touch credentials directly.
package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/webcmdk/sidepanel/internal/extract"
	"github.com/webcmdk/sidepanel/internal/protocol"
	"github.com/webcmdk/sidepanel/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	authorizePath = "/api/oauth/authorize"
	tokenPath     = "/api/oauth/token"
	userInfoPath  = "/api/oauth/userinfo"

	// defaultRefreshTokenTTL applies when the auth service omits an explicit
	// refresh token expiry from the token response.
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

type tab struct {
	url   string
	title string
}

// Broker owns credential lifecycle and tab mediation for one daemon.
type Broker struct {
	store     *store.Store
	extractor *extract.Extractor

	// refreshGroup coalesces concurrent refresh triggers: callers arriving
	// while a refresh is in flight share its result instead of issuing
	// redundant token grants.
	refreshGroup singleflight.Group

	now func() time.Time

	tabMu    sync.Mutex
	tabs     map[int]tab
	activeID int

	subMu  sync.Mutex
	subs   map[int]chan protocol.Event
	nextID int
}

// New creates a Broker over the given store.
func New(s *store.Store) *Broker {
	b := &Broker{
		store:     s,
		extractor: extract.New(),
		now:       time.Now,
		tabs:      make(map[int]tab),
		subs:      make(map[int]chan protocol.Event),
	}
	// Relay credential writes to every connected panel so they re-derive
	// their auth view instead of caching it.
	s.Watch(store.AuthKeys, func([]string) {
		b.publish(protocol.Event{Action: protocol.ActionAuthChanged})
	})
	return b
}

// oauthConfig builds the oauth2 client config for the hosted auth service.
func oauthConfig(clientID, baseURL, redirectURL string) *oauth2.Config {
	base := strings.TrimRight(baseURL, "/")
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + authorizePath,
			TokenURL:  base + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// CheckAuthStatus is a pure read of the stored record. Authenticated means
// user, access token and an unexpired expiry are all present.
func (b *Broker) CheckAuthStatus() (*protocol.CheckAuthResponse, error) {
	user, creds, err := b.store.Credentials()
	if err != nil {
		return nil, err
	}
	nowMs := b.now().UnixMilli()
	ok := user != nil && creds.AccessToken != "" && creds.AccessTokenExpiresAt > 0 && nowMs < creds.AccessTokenExpiresAt
	resp := &protocol.CheckAuthResponse{IsAuthenticated: ok}
	if ok {
		resp.User = user
		token := creds.AccessToken
		resp.Token = &token
	}
	return resp, nil
}

// GetValidToken returns the stored access token while it is unexpired,
// otherwise refreshes transparently. Concurrent callers coalesce into one
// outstanding refresh. A pre-refresh token is never returned once expired.
func (b *Broker) GetValidToken(ctx context.Context, clientID, baseURL string) (string, error) {
	_, creds, err := b.store.Credentials()
	if err != nil {
		return "", err
	}
	if creds.AccessToken != "" && creds.AccessTokenExpiresAt > 0 && b.now().UnixMilli() < creds.AccessTokenExpiresAt {
		return creds.AccessToken, nil
	}

	v, err, _ := b.refreshGroup.Do("refresh", func() (interface{}, error) {
		// Re-read under the flight: a refresh that completed while we
		// queued already produced a fresh token.
		_, current, err := b.store.Credentials()
		if err != nil {
			return "", err
		}
		if current.AccessToken != "" && current.AccessTokenExpiresAt > 0 && b.now().UnixMilli() < current.AccessTokenExpiresAt {
			return current.AccessToken, nil
		}
		refreshed, err := b.refresh(ctx, clientID, baseURL, current)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh forces a token refresh regardless of the current expiry.
func (b *Broker) Refresh(ctx context.Context, clientID, baseURL string) (*protocol.Credentials, error) {
	_, creds, err := b.store.Credentials()
	if err != nil {
		return nil, err
	}
	return b.refresh(ctx, clientID, baseURL, creds)
}

// refresh exchanges the stored refresh token for a new pair and persists it
// atomically. A permanent rejection (revoked/expired grant) comes back as
// RefreshError so the caller falls back to a full re-authentication.
func (b *Broker) refresh(ctx context.Context, clientID, baseURL string, creds *protocol.Credentials) (*protocol.Credentials, error) {
	if creds.RefreshToken == "" {
		return nil, &protocol.RefreshError{Err: fmt.Errorf("no refresh token stored")}
	}
	if creds.RefreshTokenExpiresAt > 0 && b.now().UnixMilli() >= creds.RefreshTokenExpiresAt {
		return nil, &protocol.RefreshError{Err: fmt.Errorf("refresh token expired")}
	}

	config := oauthConfig(clientID, baseURL, "")
	source := config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	token, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("[broker] refresh token rejected, re-login required: %v", err)
			return nil, &protocol.RefreshError{Err: err}
		}
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	next := &protocol.Credentials{
		AccessToken:           token.AccessToken,
		AccessTokenExpiresAt:  token.Expiry.UnixMilli(),
		RefreshToken:          creds.RefreshToken,
		RefreshTokenExpiresAt: creds.RefreshTokenExpiresAt,
	}
	// Persist a rotated refresh token only when the server returned one.
	if token.RefreshToken != "" && token.RefreshToken != creds.RefreshToken {
		log.Printf("[broker] rotating refresh token")
		next.RefreshToken = token.RefreshToken
		next.RefreshTokenExpiresAt = b.now().Add(defaultRefreshTokenTTL).UnixMilli()
	}
	if next.RefreshTokenExpiresAt == 0 {
		next.RefreshTokenExpiresAt = b.now().Add(defaultRefreshTokenTTL).UnixMilli()
	}

	if err := b.store.SaveTokens(next); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	log.Printf("[broker] token refreshed, expires %s", token.Expiry.Format(time.RFC3339))
	return next, nil
}

// SignOut deletes every credential field. Safe when nothing is stored.
func (b *Broker) SignOut() error {
	if err := b.store.Clear(); err != nil {
		return err
	}
	log.Printf("[broker] signed out, credentials cleared")
	return nil
}

// UpsertTab records an open tab and marks it active. A new tab, or a known
// tab whose URL changed, is announced to panels as context.
func (b *Broker) UpsertTab(entry protocol.ContextEntry) {
	b.tabMu.Lock()
	prev, known := b.tabs[entry.TabID]
	b.tabs[entry.TabID] = tab{url: entry.URL, title: entry.Title}
	b.activeID = entry.TabID
	b.tabMu.Unlock()

	if !known || prev.url != entry.URL {
		log.Printf("[broker] tab %d announced: %s", entry.TabID, entry.URL)
		b.publish(protocol.Event{Action: protocol.ActionAddContext, Context: &entry})
	}
}

// ActiveTab returns the most recently registered tab, if any.
func (b *Broker) ActiveTab() (protocol.ContextEntry, bool) {
	b.tabMu.Lock()
	defer b.tabMu.Unlock()
	t, ok := b.tabs[b.activeID]
	if !ok {
		return protocol.ContextEntry{}, false
	}
	return protocol.ContextEntry{TabID: b.activeID, URL: t.url, Title: t.title}, true
}

// GetTabContent extracts the active tab's text. The url and title survive an
// extraction failure; only the content degrades to null.
func (b *Broker) GetTabContent(ctx context.Context) protocol.TabContent {
	active, ok := b.ActiveTab()
	if !ok {
		return protocol.TabContent{}
	}
	return b.contentFor(ctx, active)
}

// GetContextFromTabs resolves content for every entry, preserving request
// order. A failed entry contributes no content but never fails the batch.
func (b *Broker) GetContextFromTabs(ctx context.Context, entries []protocol.ContextEntry) []protocol.TabContent {
	contents := make([]protocol.TabContent, len(entries))
	for i, entry := range entries {
		contents[i] = b.contentFor(ctx, entry)
	}
	return contents
}

func (b *Broker) contentFor(ctx context.Context, entry protocol.ContextEntry) protocol.TabContent {
	url, title := entry.URL, entry.Title
	result := protocol.TabContent{URL: &url, Title: &title}

	text, extractedTitle, err := b.extractor.Fetch(ctx, entry.URL)
	if err != nil {
		// Absorbed per-entry: one bad tab never blocks the conversation.
		log.Printf("[broker] tab %d content unavailable: %v", entry.TabID, err)
		return result
	}
	if extractedTitle != "" {
		result.Title = &extractedTitle
	}
	result.Content = &text
	return result
}

// Subscribe opens one push channel. The returned function tears it down;
// events published after teardown are not delivered.
func (b *Broker) Subscribe() (<-chan protocol.Event, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan protocol.Event, 16)
	b.subs[id] = ch

	return ch, func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *Broker) publish(ev protocol.Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; dropping beats blocking the broker loop.
		}
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
