package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/types"
)

// accountView is what the API returns for an account. Credentials never
// leave the server.
type accountView struct {
	CustomerID      string         `json:"customerID"`
	Provider        types.Provider `json:"provider"`
	BillingStartDay int            `json:"billingStartDay"`
	HistoryStart    types.Date     `json:"historyStart"`
	CreatedAt       time.Time      `json:"createdAt"`
}

func viewOf(a types.Account) accountView {
	return accountView{
		CustomerID:      a.CustomerID,
		Provider:        a.Provider,
		BillingStartDay: a.BillingStartDay,
		HistoryStart:    a.HistoryStart,
		CreatedAt:       a.CreatedAt,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accounts, err := s.storage.ListAccounts(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list accounts", slog.Any("error", err))
		writeJSONError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		CustomerID      string     `json:"customerID"`
		Username        string     `json:"username"`
		Password        string     `json:"password"`
		BillingStartDay int        `json:"billingStartDay"`
		HistoryStart    types.Date `json:"historyStart"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	provider, err := types.DetectProvider(req.CustomerID)
	if err != nil {
		writeJSONFieldError(w, "customerID", err.Error(), http.StatusBadRequest)
		return
	}

	acct := types.Account{
		CustomerID:      req.CustomerID,
		Provider:        provider,
		Username:        req.Username,
		Password:        req.Password,
		BillingStartDay: req.BillingStartDay,
		HistoryStart:    req.HistoryStart,
		CreatedAt:       time.Now(),
	}
	if acct.BillingStartDay == 0 {
		acct.BillingStartDay = 14
	}
	if err := acct.Validate(); err != nil {
		field := "customerID"
		switch {
		case acct.BillingStartDay < 1 || acct.BillingStartDay > 28:
			field = "billingStartDay"
		case provider.RequiresCredentials() && (req.Username == "" || req.Password == ""):
			field = "username"
		}
		writeJSONFieldError(w, field, err.Error(), http.StatusBadRequest)
		return
	}

	if _, ok, err := s.storage.GetAccount(ctx, acct.CustomerID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to check account", slog.Any("error", err))
		writeJSONError(w, "failed to check account", http.StatusInternalServerError)
		return
	} else if ok {
		writeJSONFieldError(w, "customerID", "account already exists", http.StatusConflict)
		return
	}

	adapter, err := s.adapters.Account(acct)
	if err != nil {
		writeJSONFieldError(w, "customerID", err.Error(), http.StatusBadRequest)
		return
	}

	// verify the credentials before saving anything
	ctx = log.WithAccount(ctx, acct.CustomerID)
	if err := adapter.Login(ctx, acct); err != nil {
		switch {
		case errors.Is(err, evn.ErrInvalidAuth):
			writeJSONFieldError(w, "password", "provider rejected the credentials", http.StatusUnauthorized)
		case errors.Is(err, evn.ErrCannotConnect):
			writeJSONError(w, "cannot reach the provider", http.StatusBadGateway)
		default:
			log.Ctx(ctx).ErrorContext(ctx, "login failed", slog.Any("error", err))
			writeJSONError(w, "failed to verify credentials", http.StatusBadGateway)
		}
		return
	}

	if err := s.storage.SaveAccount(ctx, acct); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save account", slog.Any("error", err))
		writeJSONError(w, "failed to save account", http.StatusInternalServerError)
		return
	}

	// create the history document and start filling it
	sy, err := s.syncers.For(ctx, acct)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open history", slog.Any("error", err))
		writeJSONError(w, "failed to initialize history", http.StatusInternalServerError)
		return
	}
	if err := sy.Store().Persist(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist history", slog.Any("error", err))
		writeJSONError(w, "failed to initialize history", http.StatusInternalServerError)
		return
	}
	sy.StartBackground(context.WithoutCancel(ctx))

	log.Ctx(ctx).InfoContext(ctx, "account created", slog.String("provider", string(acct.Provider)))
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	_, ok, err := s.storage.GetAccount(ctx, id)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get account", slog.Any("error", err))
		writeJSONError(w, "failed to get account", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}

	ctx = log.WithAccount(ctx, id)
	if err := s.storage.DeleteAccount(ctx, id); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete account", slog.Any("error", err))
		writeJSONError(w, "failed to delete account", http.StatusInternalServerError)
		return
	}
	// removing the integration removes its history too
	if err := s.storage.DeleteHistory(ctx, id); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete history", slog.Any("error", err))
		writeJSONError(w, "failed to delete history", http.StatusInternalServerError)
		return
	}
	s.syncers.Forget(id)

	log.Ctx(ctx).InfoContext(ctx, "account deleted")
	w.WriteHeader(http.StatusNoContent)
}
