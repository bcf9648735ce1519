package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/syncer"
	"github.com/evnsync/evnsync/pkg/tariff"
	"github.com/evnsync/evnsync/pkg/types"
)

// mockAdapter fabricates provider responses for handler tests.
type mockAdapter struct {
	loginErr   error
	loginCalls int
	summary    types.Summary
	summaryErr error
}

func (a *mockAdapter) Login(ctx context.Context, acct types.Account) error {
	a.loginCalls++
	return a.loginErr
}

func (a *mockAdapter) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	return a.summary, a.summaryErr
}

func (a *mockAdapter) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	var recs []types.DailyRecord
	for d := start; !d.After(end); d = d.Next() {
		recs = append(recs, types.DailyRecord{Date: d, ConsumptionKWH: 4})
	}
	return recs, nil
}

func (a *mockAdapter) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	var recs []types.MonthlyRecord
	for m := from; !m.After(to); m = m.Next() {
		recs = append(recs, types.MonthlyRecord{Year: m.Year, Month: m.Month, ConsumptionKWH: 120, Cost: 350000})
	}
	return recs, nil
}

var _ evn.Adapter = (*mockAdapter)(nil)

func newTestServer(t *testing.T) (*Server, *mockAdapter, storage.Database) {
	f := storage.NewFileProvider(t.TempDir())
	require.NoError(t, f.Init(t.Context()))

	adapter := &mockAdapter{}
	adapters := evn.NewMap()
	for _, p := range []types.Provider{
		types.ProviderHanoi, types.ProviderHCMC, types.ProviderNPC,
		types.ProviderCPC, types.ProviderSPC,
	} {
		adapters.SetAdapter(p, adapter)
	}

	sched := tariff.Default()
	srv := &Server{
		adapters: adapters,
		storage:  f,
		schedule: sched,
		syncers:  syncer.NewManager(adapters, f, sched),
	}
	return srv, adapter, f
}
