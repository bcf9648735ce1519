package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/history"
	"github.com/evnsync/evnsync/pkg/types"
)

func TestHandleRefresh(t *testing.T) {
	yesterday := types.DateFromTime(time.Now().In(evn.Location())).Prev()

	t.Run("SyncsAllAccounts", func(t *testing.T) {
		srv, adapter, db := newTestServer(t)
		adapter.summary = types.Summary{YesterdayKWH: 6}
		require.NoError(t, db.SaveAccount(t.Context(), types.Account{
			CustomerID: "PB09000111222", Provider: types.ProviderSPC,
			BillingStartDay: 1, HistoryStart: yesterday,
		}))

		req := httptest.NewRequest("POST", "/api/refresh", nil)
		w := httptest.NewRecorder()
		srv.handleRefresh(w, req)

		require.Equal(t, http.StatusOK, w.Result().StatusCode)

		store, err := history.Open(t.Context(), db, "PB09000111222", yesterday)
		require.NoError(t, err)
		assert.True(t, store.BackfillDone())
		daily := store.DailySeries()
		require.NotEmpty(t, daily)
		assert.Equal(t, yesterday, daily[len(daily)-1].Date)
	})

	t.Run("RequiresTokenWhenConfigured", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		srv.verifier = func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
			if rawIDToken != "good-token" {
				return nil, errors.New("bad token")
			}
			return &oidc.IDToken{}, nil
		}

		req := httptest.NewRequest("POST", "/api/refresh", nil)
		w := httptest.NewRecorder()
		srv.handleRefresh(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)

		req = httptest.NewRequest("POST", "/api/refresh", nil)
		req.Header.Set("Authorization", "Bearer bad")
		w = httptest.NewRecorder()
		srv.handleRefresh(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)

		req = httptest.NewRequest("POST", "/api/refresh", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w = httptest.NewRecorder()
		srv.handleRefresh(w, req)
		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	})
}

func TestSetupHandlerRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.serverName = "evnsync"
	h := srv.setupHandler()

	req := httptest.NewRequest("GET", "/api/ping", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "evnsync", resp.Header.Get("Server"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	req = httptest.NewRequest("GET", "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, "ok", w.Body.String())
}
