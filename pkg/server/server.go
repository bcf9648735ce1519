// Package server exposes the HTTP API: account onboarding and removal,
// history projections and the scheduler-driven refresh tick.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/syncer"
	"github.com/evnsync/evnsync/pkg/tariff"
)

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the EVN sync system. It orchestrates
// interactions between the provider adapters, the syncer and storage.
type Server struct {
	adapters *evn.Map
	storage  storage.Database
	schedule *tariff.Schedule
	syncers  *syncer.Manager

	listenAddr   string
	oidcAudience string
	verifier     tokenVerifier
	serverName   string
	httpServer   *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(adapters *evn.Map, db storage.Database, sched *tariff.Schedule) *Server {
	srv := &Server{
		adapters:   adapters,
		storage:    db,
		schedule:   sched,
		syncers:    syncer.NewManager(adapters, db, sched),
		serverName: "evnsync",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate on scheduler id tokens, empty disables auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.oidcAudience = *oidcAudience
		if srv.oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: srv.oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/ping", s.handlePing)
	apiMux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	apiMux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	apiMux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)
	apiMux.HandleFunc("GET /api/accounts/{id}/summary", s.handleSummary)
	apiMux.HandleFunc("GET /api/accounts/{id}/daily", s.handleDaily)
	apiMux.HandleFunc("GET /api/accounts/{id}/monthly", s.handleMonthly)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// resume any backfill that was interrupted by a previous shutdown
	go func() {
		if err := s.syncers.SyncAll(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "startup sync failed", slog.Any("error", err))
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// writeJSONFieldError reports a validation failure attributed to a single
// request field so the onboarding UI can highlight it.
func writeJSONFieldError(w http.ResponseWriter, field, msg string, code int) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}{Error: msg, Field: field})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
