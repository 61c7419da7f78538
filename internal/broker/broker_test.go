package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
	"github.com/webcmdk/sidepanel/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Clear() })
	return New(s), s
}

func seedCredentials(t *testing.T, s *store.Store, accessExpiresAt int64) {
	t.Helper()
	err := s.SaveCredentials(
		&protocol.User{ID: "u-1", Email: "test@example.com"},
		&protocol.Credentials{
			AccessToken:           "at-old",
			AccessTokenExpiresAt:  accessExpiresAt,
			RefreshToken:          "rt-old",
			RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour).UnixMilli(),
		},
	)
	if err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

// fakeAuthService stands in for the hosted auth service's token endpoint.
func fakeAuthService(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func tokenGrant(accessToken, refreshToken string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  accessToken,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
			"refresh_token": refreshToken,
		})
	}
}

func TestGetValidToken_ReturnsUnexpiredToken(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(time.Hour).UnixMilli())

	// No auth service running: a network call would fail loudly.
	token, err := b.GetValidToken(context.Background(), "client-1", "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "at-old" {
		t.Fatalf("token = %q, want at-old", token)
	}
}

func TestGetValidToken_RefreshesExpiredToken(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(-time.Minute).UnixMilli())
	srv := fakeAuthService(t, tokenGrant("at-new", "rt-new", 3600))

	token, err := b.GetValidToken(context.Background(), "client-1", srv.URL)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "at-new" {
		t.Fatalf("token = %q, want at-new (the pre-refresh token must never come back)", token)
	}

	// The rotated pair must be persisted atomically.
	_, creds, err := s.Credentials()
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if creds.AccessToken != "at-new" || creds.RefreshToken != "rt-new" {
		t.Fatalf("store not updated: %+v", creds)
	}
	if creds.AccessTokenExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("new expiry not in the future: %d", creds.AccessTokenExpiresAt)
	}
}

func TestGetValidToken_CoalescesConcurrentRefreshes(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(-time.Minute).UnixMilli())

	var grants int32
	srv := fakeAuthService(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grants, 1)
		time.Sleep(50 * time.Millisecond)
		tokenGrant("at-new", "", 3600)(w, r)
	})

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := b.GetValidToken(context.Background(), "client-1", srv.URL)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&grants); got != 1 {
		t.Fatalf("expected 1 coalesced refresh grant, got %d", got)
	}
	for i, token := range tokens {
		if token != "at-new" {
			t.Fatalf("caller %d got %q", i, token)
		}
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(-time.Minute).UnixMilli())
	srv := fakeAuthService(t, tokenGrant("at-new", "", 3600))

	if _, err := b.Refresh(context.Background(), "client-1", srv.URL); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, creds, _ := s.Credentials()
	if creds.RefreshToken != "rt-old" {
		t.Fatalf("refresh token should be preserved, got %q", creds.RefreshToken)
	}
}

func TestRefresh_PermanentRejectionIsRefreshError(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(-time.Minute).UnixMilli())
	srv := fakeAuthService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})

	_, err := b.Refresh(context.Background(), "client-1", srv.URL)
	if err == nil {
		t.Fatal("expected refresh error")
	}
	var refreshErr *protocol.RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %T: %v", err, err)
	}
}

func TestRefresh_NoRefreshTokenStored(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Refresh(context.Background(), "client-1", "http://127.0.0.1:1")
	var refreshErr *protocol.RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError for empty store, got %v", err)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: `oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`, permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermanentRefreshError(errors.New(tt.errText)); got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

func TestSignOut_ThenCheckAuth(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(time.Hour).UnixMilli())

	before, err := b.CheckAuthStatus()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !before.IsAuthenticated || before.User == nil || before.Token == nil {
		t.Fatalf("expected authenticated before sign-out: %+v", before)
	}

	if err := b.SignOut(); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	after, err := b.CheckAuthStatus()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if after.IsAuthenticated || after.User != nil || after.Token != nil {
		t.Fatalf("expected unauthenticated after sign-out: %+v", after)
	}

	// Sign-out on an empty store is still fine.
	if err := b.SignOut(); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
}

func TestCheckAuth_ExpiredTokenIsUnauthenticated(t *testing.T) {
	b, s := newTestBroker(t)
	seedCredentials(t, s, time.Now().Add(-time.Minute).UnixMilli())

	status, err := b.CheckAuthStatus()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status.IsAuthenticated {
		t.Fatal("expired token must not count as authenticated")
	}
}

func TestUpsertTab_AnnouncesNewAndChangedOnly(t *testing.T) {
	b, _ := newTestBroker(t)
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.UpsertTab(protocol.ContextEntry{TabID: 5, URL: "https://a.com", Title: "A"})
	b.UpsertTab(protocol.ContextEntry{TabID: 5, URL: "https://a.com", Title: "A again"}) // same URL, silent
	b.UpsertTab(protocol.ContextEntry{TabID: 5, URL: "https://b.com", Title: "B"})       // new URL, announced

	var got []protocol.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out with %d events", len(got))
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected third event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if got[0].Action != protocol.ActionAddContext || got[0].Context.URL != "https://a.com" {
		t.Fatalf("first event: %+v", got[0])
	}
	if got[1].Context.URL != "https://b.com" {
		t.Fatalf("second event: %+v", got[1])
	}
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	b, _ := newTestBroker(t)
	events, unsubscribe := b.Subscribe()
	unsubscribe()

	b.UpsertTab(protocol.ContextEntry{TabID: 1, URL: "https://a.com"})
	if _, open := <-events; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestGetContextFromTabs_PreservesOrderAndAbsorbsFailures(t *testing.T) {
	b, _ := newTestBroker(t)

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Page</title></head><body><article>`+
			`This article body carries enough text to clear the extraction threshold for the preferred selector set, repeated once more to be safe.`+
			`</article></body></html>`)
	}))
	defer page.Close()

	entries := []protocol.ContextEntry{
		{TabID: 1, URL: page.URL, Title: "Good"},
		{TabID: 2, URL: "http://127.0.0.1:1/unreachable", Title: "Bad"},
		{TabID: 3, URL: page.URL, Title: "Good too"},
	}

	contents := b.GetContextFromTabs(context.Background(), entries)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Content == nil || contents[2].Content == nil {
		t.Fatal("reachable tabs should have content")
	}
	if contents[1].Content != nil {
		t.Fatal("unreachable tab should degrade to nil content")
	}
	// URL and title survive the failure.
	if contents[1].URL == nil || *contents[1].URL != "http://127.0.0.1:1/unreachable" {
		t.Fatalf("failed entry lost its url: %+v", contents[1])
	}
}

func TestGetTabContent_NoActiveTab(t *testing.T) {
	b, _ := newTestBroker(t)
	content := b.GetTabContent(context.Background())
	if content.Content != nil || content.URL != nil || content.Title != nil {
		t.Fatalf("expected all-null content without an active tab: %+v", content)
	}
}
