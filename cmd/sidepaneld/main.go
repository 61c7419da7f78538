package main

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/webcmdk/sidepanel/internal/broker"
	"github.com/webcmdk/sidepanel/internal/provider"
	"github.com/webcmdk/sidepanel/internal/store"
	"github.com/webcmdk/sidepanel/internal/version"
)

func main() {
	// Initialize credential store
	dbPath := os.Getenv("PANEL_DB")
	if dbPath == "" {
		dbPath = "sidepanel.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}

	// Load model catalog (falls back to built-in defaults when absent)
	modelsPath := os.Getenv("PANEL_MODELS")
	if modelsPath == "" {
		modelsPath = "models.yaml"
	}
	if err := provider.InitFromFile(modelsPath); err != nil {
		log.Fatalf("Failed to load model catalog: %v", err)
	}

	b := broker.New(st)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", b.Routes())

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1" // The daemon only serves local panels by default
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8710"
	}
	addr := host + ":" + port

	log.Printf("🚀 sidepaneld %s (%s) starting on http://%s", version.Version, version.Commit, addr)
	log.Printf("🔌 Message protocol: http://%s/v1", addr)
	log.Printf("📡 Event stream: http://%s/v1/events", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
