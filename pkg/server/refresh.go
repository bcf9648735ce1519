package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/evnsync/evnsync/pkg/log"
)

// handleRefresh is the scheduler tick: every stored account gets a summary
// refresh and, when not yet done, a backfill pass. When an OIDC audience is
// configured the caller must present a valid Google ID token (e.g. Cloud
// Scheduler).
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.verifier != nil {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		if _, err := s.verifier(ctx, parts[1]); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
	}

	if err := s.syncers.SyncAll(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "refresh tick failed", slog.Any("error", err))
		writeJSONError(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	// per-account failures are logged and skipped inside SyncAll, the tick
	// itself still reports success so the scheduler doesn't retry-storm
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
