package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
	"golang.org/x/oauth2"
)

const (
	// preferredCallbackPort is tried first so the auth service can whitelist
	// a stable redirect URL; falls back to a random high port when taken.
	preferredCallbackPort = 51731

	// callbackTimeout bounds how long an interactive sign-in may stay open.
	callbackTimeout = 5 * time.Minute
)

type authResult struct {
	user  *protocol.User
	creds *protocol.Credentials
	err   error
}

// Authenticate runs the interactive sign-in: it stands up a temporary
// localhost callback server, logs the consent URL for the user to open,
// exchanges the authorization code and persists user plus token pair as one
// atomic unit. Cancellation, denial and timeout all surface as AuthError.
func (b *Broker) Authenticate(ctx context.Context, clientID, baseURL string) (*protocol.User, *protocol.Credentials, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredCallbackPort))
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, nil, &protocol.AuthError{Reason: "callback server", Err: err}
		}
		log.Printf("[auth] port %d in use, using random port", preferredCallbackPort)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	redirectURL := fmt.Sprintf("http://localhost:%d/oauth-callback", port)
	config := oauthConfig(clientID, baseURL, redirectURL)

	state := newStateToken()
	authURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	log.Printf("[auth] open this URL to sign in: %s", authURL)

	results := make(chan authResult, 1)
	received := false

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		if received {
			http.Error(w, "callback already processed", http.StatusBadRequest)
			return
		}
		received = true

		if got := r.URL.Query().Get("state"); got != state {
			results <- authResult{err: &protocol.AuthError{Reason: "invalid state token"}}
			http.Error(w, "invalid state token", http.StatusBadRequest)
			return
		}
		if denied := r.URL.Query().Get("error"); denied != "" {
			results <- authResult{err: &protocol.AuthError{Reason: "sign-in denied: " + denied}}
			http.Error(w, "sign-in denied", http.StatusForbidden)
			return
		}

		user, creds, err := b.exchange(r.Context(), config, baseURL, r.URL.Query().Get("code"))
		if err != nil {
			results <- authResult{err: err}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><h1>Signed in</h1><p>%s is connected. You can close this window.</p></body></html>", user.Email)
		results <- authResult{user: user, creds: creds}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[auth] callback server error: %v", err)
		}
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	defer shutdown()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.user, res.creds, nil
	case <-time.After(callbackTimeout):
		return nil, nil, &protocol.AuthError{Reason: "sign-in timed out"}
	case <-ctx.Done():
		return nil, nil, &protocol.AuthError{Reason: "sign-in cancelled", Err: ctx.Err()}
	}
}

// exchange trades the authorization code for tokens, resolves the user
// record and persists everything in one write.
func (b *Broker) exchange(ctx context.Context, config *oauth2.Config, baseURL, code string) (*protocol.User, *protocol.Credentials, error) {
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, nil, &protocol.AuthError{Reason: "token exchange failed", Err: err}
	}

	user, err := fetchUserInfo(ctx, config, baseURL, token)
	if err != nil {
		return nil, nil, &protocol.AuthError{Reason: "user info unavailable", Err: err}
	}

	creds := &protocol.Credentials{
		AccessToken:           token.AccessToken,
		AccessTokenExpiresAt:  token.Expiry.UnixMilli(),
		RefreshToken:          token.RefreshToken,
		RefreshTokenExpiresAt: refreshExpiry(b.now(), token),
	}
	if err := b.store.SaveCredentials(user, creds); err != nil {
		return nil, nil, &protocol.AuthError{Reason: "persist credentials", Err: err}
	}
	log.Printf("[auth] signed in as %s", user.Email)
	return user, creds, nil
}

func fetchUserInfo(ctx context.Context, config *oauth2.Config, baseURL string, token *oauth2.Token) (*protocol.User, error) {
	client := config.Client(ctx, token)
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + userInfoPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var user protocol.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("malformed userinfo: %w", err)
	}
	if user.ID == "" || user.Email == "" {
		return nil, fmt.Errorf("userinfo missing id or email")
	}
	return &user, nil
}

// refreshExpiry derives the refresh token lifetime from the token response
// when present, falling back to the default TTL.
func refreshExpiry(now time.Time, token *oauth2.Token) int64 {
	if v, ok := token.Extra("refresh_token_expires_in").(float64); ok && v > 0 {
		return now.Add(time.Duration(v) * time.Second).UnixMilli()
	}
	return now.Add(defaultRefreshTokenTTL).UnixMilli()
}

func newStateToken() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
