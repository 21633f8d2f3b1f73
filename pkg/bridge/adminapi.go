// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/linkbridge/pkg/registry"
)

// linkSnapshotter is the part of the registry the admin API reads.
type linkSnapshotter interface {
	Snapshot() []registry.LinkInfo
}

// linksResponse is the body of GET /api/links.
type linksResponse struct {
	Count int                 `json:"count"`
	Links []registry.LinkInfo `json:"links"`
}

func newAdminMux(links linkSnapshotter, log zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/links", handleLinks(links, log))
	return mux
}

func handleLinks(links linkSnapshotter, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshot := links.Snapshot()
		if snapshot == nil {
			snapshot = []registry.LinkInfo{}
		}
		log.Debug().Str("remote_addr", r.RemoteAddr).Int("links", len(snapshot)).Msg("Link snapshot requested")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(linksResponse{Count: len(snapshot), Links: snapshot}); err != nil {
			log.Warn().Err(err).Msg("Failed to write link snapshot")
		}
	}
}

func (b *Bridge) startAdminAPI() {
	addr := b.cfg.AdminAPIAddr
	b.api = &http.Server{
		Addr:         addr,
		Handler:      newAdminMux(b.registry, b.log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := b.api
	go func() {
		b.log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}
