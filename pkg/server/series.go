package server

import (
	"log/slog"
	"net/http"

	"github.com/evnsync/evnsync/pkg/history"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/syncer"
	"github.com/evnsync/evnsync/pkg/types"
)

// accountSyncer resolves the path's account id to its syncer, writing the
// error response itself when it can't.
func (s *Server) accountSyncer(w http.ResponseWriter, r *http.Request) (*syncer.Syncer, bool) {
	ctx := r.Context()
	id := r.PathValue("id")

	acct, ok, err := s.storage.GetAccount(ctx, id)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get account", slog.Any("error", err))
		writeJSONError(w, "failed to get account", http.StatusInternalServerError)
		return nil, false
	}
	if !ok {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return nil, false
	}

	sy, err := s.syncers.For(ctx, acct)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open history", slog.Any("error", err))
		writeJSONError(w, "failed to open history", http.StatusInternalServerError)
		return nil, false
	}
	return sy, true
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.accountSyncer(w, r)
	if !ok {
		return
	}
	daily := sy.Store().DailySeries()
	if daily == nil {
		daily = []types.DailyRecord{}
	}
	writeJSON(w, http.StatusOK, struct {
		CustomerID string              `json:"customerID"`
		Daily      []types.DailyRecord `json:"daily"`
	}{CustomerID: sy.Store().CustomerID(), Daily: daily})
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.accountSyncer(w, r)
	if !ok {
		return
	}
	consumption := sy.Store().MonthlyConsumption()
	if consumption == nil {
		consumption = []history.MonthPoint{}
	}
	cost := sy.Store().MonthlyCost()
	if cost == nil {
		cost = []history.MonthPoint{}
	}
	writeJSON(w, http.StatusOK, struct {
		CustomerID  string               `json:"customerID"`
		Consumption []history.MonthPoint `json:"consumption"`
		Cost        []history.MonthPoint `json:"cost"`
	}{CustomerID: sy.Store().CustomerID(), Consumption: consumption, Cost: cost})
}

// handleSummary runs a live refresh against the provider and returns the
// normalized summary. The fetched yesterday total is folded into the stored
// series as a side effect.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.accountSyncer(w, r)
	if !ok {
		return
	}
	sum, err := sy.Refresh(r.Context())
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "refresh failed", slog.Any("error", err))
		writeJSONError(w, "failed to fetch summary", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
