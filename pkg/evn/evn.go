// Package evn talks to the five regional EVN customer-service APIs and
// normalizes their responses into common record types.
package evn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evnsync/evnsync/pkg/types"
)

// vnLocation is the timezone all providers report dates in.
var vnLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		panic(fmt.Errorf("failed to load vietnam location: %w", err))
	}
	return loc
}()

// Location returns the timezone the providers report dates in.
func Location() *time.Location {
	return vnLocation
}

// Adapter defines the interface for fetching usage data from a regional
// provider.
type Adapter interface {
	// Login verifies the account's credentials with the provider. It is
	// used during onboarding; data fetches establish their own sessions.
	Login(ctx context.Context, acct types.Account) error

	// FetchSummary returns the latest snapshot for the account.
	FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error)

	// FetchDailyRange returns per-day usage for the inclusive date range.
	// Days the provider has no data for are simply absent. An empty slice
	// with no error means the provider had nothing for the range.
	FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error)

	// FetchMonthlyRange returns billing-month records for the inclusive
	// month range.
	FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error)
}

// Configured sets up all regional adapters and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.adapters[types.ProviderHanoi] = configuredHanoi()
	m.adapters[types.ProviderHCMC] = configuredHCMC()
	m.adapters[types.ProviderNPC] = configuredNPC()
	m.adapters[types.ProviderCPC] = configuredCPC()
	m.adapters[types.ProviderSPC] = configuredSPC()
	return m
}

// Map manages the regional adapters.
type Map struct {
	mu       sync.Mutex
	adapters map[types.Provider]Adapter
}

// NewMap creates an empty adapter Map.
func NewMap() *Map {
	return &Map{
		adapters: make(map[types.Provider]Adapter),
	}
}

// Account returns the adapter serving the given account.
func (m *Map) Account(acct types.Account) (Adapter, error) {
	p := acct.Provider
	if p == "" {
		var err error
		p, err = types.DetectProvider(acct.CustomerID)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", p)
	}
	return a, nil
}

// SetAdapter sets the adapter for a provider. This is primarily used for
// testing.
func (m *Map) SetAdapter(p types.Provider, a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[p] = a
}
