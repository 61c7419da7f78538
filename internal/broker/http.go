package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/webcmdk/sidepanel/internal/logging"
	"github.com/webcmdk/sidepanel/internal/protocol"
)

// Routes mounts the message protocol onto a chi router. Each action from
// the panel maps to exactly one endpoint; the push channel is the SSE
// stream at /v1/events.
func (b *Broker) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authenticate", b.handleAuthenticate)
		r.Post("/token", b.handleGetToken)
		r.Post("/token/refresh", b.handleRefreshToken)
		r.Get("/auth/status", b.handleCheckAuth)
		r.Post("/signout", b.handleSignOut)
		r.Get("/tab-content", b.handleGetTabContent)
		r.Post("/context-from-tabs", b.handleContextFromTabs)
		r.Post("/tabs", b.handleUpsertTab)
		r.Get("/events", b.handleEvents)
	})
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}

func (b *Broker) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "malformed request", http.StatusBadRequest)
		return
	}

	user, creds, err := b.Authenticate(r.Context(), req.ClientID, req.BaseURL)
	if err != nil {
		log.Printf("[broker] %s authenticate failed: %v", logging.GetRequestID(r.Context()), err)
		writeJSON(w, protocol.AuthenticateResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, protocol.AuthenticateResponse{Success: true, User: user, Credentials: creds})
}

// handleGetToken mirrors the extension's GET_TOKEN: a valid token comes back
// as a string, every failure degrades to a null token rather than an error.
func (b *Broker) handleGetToken(w http.ResponseWriter, r *http.Request) {
	var req protocol.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "malformed request", http.StatusBadRequest)
		return
	}

	token, err := b.GetValidToken(r.Context(), req.ClientID, req.BaseURL)
	if err != nil {
		log.Printf("[broker] %s token unavailable: %v", logging.GetRequestID(r.Context()), err)
		writeJSON(w, protocol.TokenResponse{Token: nil})
		return
	}
	writeJSON(w, protocol.TokenResponse{Token: &token})
}

func (b *Broker) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req protocol.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "malformed request", http.StatusBadRequest)
		return
	}

	creds, err := b.Refresh(r.Context(), req.ClientID, req.BaseURL)
	if err != nil {
		log.Printf("[broker] %s refresh failed: %v", logging.GetRequestID(r.Context()), err)
		writeJSON(w, protocol.RefreshResponse{Success: false})
		return
	}
	writeJSON(w, protocol.RefreshResponse{Success: true, Token: &creds.AccessToken})
}

func (b *Broker) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	status, err := b.CheckAuthStatus()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (b *Broker) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := b.SignOut(); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, protocol.SignOutResponse{Success: true})
}

func (b *Broker) handleGetTabContent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.GetTabContent(r.Context()))
}

func (b *Broker) handleContextFromTabs(w http.ResponseWriter, r *http.Request) {
	var req protocol.ContextFromTabsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "malformed request", http.StatusBadRequest)
		return
	}
	writeJSON(w, protocol.ContextFromTabsResponse{
		Contents: b.GetContextFromTabs(r.Context(), req.Contexts),
	})
}

func (b *Broker) handleUpsertTab(w http.ResponseWriter, r *http.Request) {
	var entry protocol.ContextEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSONError(w, "malformed request", http.StatusBadRequest)
		return
	}
	if entry.URL == "" {
		writeJSONError(w, "url is required", http.StatusBadRequest)
		return
	}
	b.UpsertTab(entry)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents is the long-lived push channel: one SSE stream per panel
// session, torn down when the client disconnects.
func (b *Broker) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()
	log.Printf("[broker] panel connected to event stream")

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			log.Printf("[broker] panel disconnected from event stream")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
