// Package syncer keeps per-account usage history up to date. A Syncer binds
// one account to its provider adapter and history store and knows how to run
// a one-time backfill over the missing ranges plus a cheap periodic refresh.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/history"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/tariff"
	"github.com/evnsync/evnsync/pkg/types"
)

// Syncer synchronizes a single account's history.
type Syncer struct {
	account  types.Account
	adapter  evn.Adapter
	store    *history.Store
	schedule *tariff.Schedule

	// now is overridable for tests, defaults to time.Now.
	now func() time.Time

	mu sync.Mutex
}

// New returns a Syncer for the given account. The schedule may be nil, in
// which case daily records without a provider-reported cost stay uncosted.
func New(acct types.Account, adapter evn.Adapter, store *history.Store, sched *tariff.Schedule) *Syncer {
	return &Syncer{
		account:  acct,
		adapter:  adapter,
		store:    store,
		schedule: sched,
		now:      time.Now,
	}
}

// Store exposes the account's history store for read projections.
func (s *Syncer) Store() *history.Store {
	return s.store
}

func (s *Syncer) today() types.Date {
	return types.DateFromTime(s.now().In(evn.Location()))
}

// fillCosts estimates a cost for records the provider didn't price.
func (s *Syncer) fillCosts(recs []types.DailyRecord) {
	if s.schedule == nil {
		return
	}
	for i := range recs {
		if recs[i].Cost == nil {
			c := s.schedule.Cost(recs[i].ConsumptionKWH)
			recs[i].Cost = &c
		}
	}
}

// Backfill fetches every missing daily range and every missing month from the
// account's horizon and merges them into the store. It is a no-op once the
// store is marked done. The in-progress marker is persisted up front so that
// an interrupted run is detectable, and cleared (persisted) on any failure so
// the next run retries only the ranges still missing.
func (s *Syncer) Backfill(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store.BackfillDone() {
		return nil
	}

	ctx = log.WithAccount(ctx, s.account.CustomerID)
	log.Ctx(ctx).InfoContext(ctx, "starting backfill",
		slog.String("horizon", s.store.Horizon().String()),
		slog.Bool("resumed", s.store.BackfillInProgress()))

	s.store.MarkBackfillInProgress(true)
	if err := s.store.Persist(ctx); err != nil {
		return fmt.Errorf("failed to persist backfill marker: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backfill panicked: %v", r)
		}
		if err != nil {
			s.store.MarkBackfillInProgress(false)
			if perr := s.store.Persist(ctx); perr != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to persist after backfill error", slog.Any("error", perr))
			}
		}
	}()

	today := s.today()

	for _, rng := range s.store.MissingDailyRanges(today) {
		log.Ctx(ctx).DebugContext(ctx, "backfilling daily range",
			slog.String("start", rng.Start.String()),
			slog.String("end", rng.End.String()))
		recs, ferr := s.adapter.FetchDailyRange(ctx, s.account, rng.Start, rng.End)
		if ferr != nil {
			return fmt.Errorf("failed to fetch daily range %s to %s: %w", rng.Start, rng.End, ferr)
		}
		s.fillCosts(recs)
		added := s.store.MergeDaily(recs)
		log.Ctx(ctx).DebugContext(ctx, "merged daily records", slog.Int("added", added))
		if perr := s.store.Persist(ctx); perr != nil {
			return fmt.Errorf("failed to persist daily records: %w", perr)
		}
	}

	if months := s.store.MissingMonths(today); len(months) > 0 {
		from, to := months[0], months[len(months)-1]
		log.Ctx(ctx).DebugContext(ctx, "backfilling months",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		recs, ferr := s.adapter.FetchMonthlyRange(ctx, s.account, from, to)
		if ferr != nil {
			return fmt.Errorf("failed to fetch months %s to %s: %w", from, to, ferr)
		}
		added := s.store.MergeMonthly(recs)
		log.Ctx(ctx).DebugContext(ctx, "merged monthly records", slog.Int("added", added))
		if perr := s.store.Persist(ctx); perr != nil {
			return fmt.Errorf("failed to persist monthly records: %w", perr)
		}
	}

	s.store.MarkBackfillDone()
	s.store.SetLastSynced(s.now())
	if perr := s.store.Persist(ctx); perr != nil {
		return fmt.Errorf("failed to persist backfill completion: %w", perr)
	}
	log.Ctx(ctx).InfoContext(ctx, "backfill complete")
	return nil
}

// Refresh fetches the account's current summary and folds the latest complete
// day into the daily series under the date the provider reported it for.
// Merging is first-write-wins so repeated refreshes of the same day don't
// rewrite history. On failure the store is left untouched.
func (s *Syncer) Refresh(ctx context.Context) (types.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = log.WithAccount(ctx, s.account.CustomerID)
	sum, err := s.adapter.FetchSummary(ctx, s.account)
	if err != nil {
		return types.Summary{}, fmt.Errorf("failed to fetch summary: %w", err)
	}

	// some backends publish readings a day or two late, so trust the date
	// they report over the clock; otherwise a lagged total would be pinned
	// to the wrong day and gap detection would never revisit it
	asOf := sum.ToDate
	if asOf == (types.Date{}) {
		asOf = s.today().Prev()
	}
	if !asOf.Before(s.store.Horizon()) && asOf.Before(s.today()) {
		recs := []types.DailyRecord{{
			Date:           asOf,
			ConsumptionKWH: sum.YesterdayKWH,
		}}
		s.fillCosts(recs)
		if added := s.store.MergeDaily(recs); added > 0 {
			log.Ctx(ctx).DebugContext(ctx, "recorded latest day from summary",
				slog.String("date", asOf.String()),
				slog.Float64("kWh", sum.YesterdayKWH))
		}
	}
	s.store.SetLastSynced(s.now())
	if err := s.store.Persist(ctx); err != nil {
		return types.Summary{}, fmt.Errorf("failed to persist refresh: %w", err)
	}
	return sum, nil
}

// StartBackground kicks off the backfill without blocking the caller. Errors
// are logged, not returned: the next scheduled refresh retries whatever is
// still missing via gap detection.
func (s *Syncer) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Backfill(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "background backfill failed",
				slog.String("customerID", s.account.CustomerID),
				slog.Any("error", err))
		}
	}()
}

// Manager builds Syncers on demand and serializes work per account so a
// scheduler tick and a background backfill can't race on the same history
// document.
type Manager struct {
	adapters *evn.Map
	db       storage.Database
	schedule *tariff.Schedule

	mu      sync.Mutex
	syncers map[string]*Syncer
}

// NewManager returns a Manager over the given adapters, storage and tariff
// schedule.
func NewManager(adapters *evn.Map, db storage.Database, sched *tariff.Schedule) *Manager {
	return &Manager{
		adapters: adapters,
		db:       db,
		schedule: sched,
		syncers:  map[string]*Syncer{},
	}
}

// For returns the Syncer for the account, opening its history store on first
// use. The same Syncer is returned for subsequent calls so its mutex
// serializes all work for that account.
func (m *Manager) For(ctx context.Context, acct types.Account) (*Syncer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.syncers[acct.CustomerID]; ok {
		return s, nil
	}
	adapter, err := m.adapters.Account(acct)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(ctx, m.db, acct.CustomerID, acct.Horizon(evn.Location()))
	if err != nil {
		return nil, fmt.Errorf("failed to open history for %s: %w", acct.CustomerID, err)
	}
	s := New(acct, adapter, store, m.schedule)
	m.syncers[acct.CustomerID] = s
	return s, nil
}

// Forget drops the cached Syncer for a customer, e.g. after the account is
// deleted.
func (m *Manager) Forget(customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncers, customerID)
}

// SyncAll refreshes every stored account and resumes any unfinished
// backfills. Individual account failures are logged and skipped so one broken
// login doesn't starve the rest.
func (m *Manager) SyncAll(ctx context.Context) error {
	accounts, err := m.db.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acct := range accounts {
		s, err := m.For(ctx, acct)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to build syncer",
				slog.String("customerID", acct.CustomerID), slog.Any("error", err))
			continue
		}
		if _, err := s.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh failed",
				slog.String("customerID", acct.CustomerID), slog.Any("error", err))
		}
		if !s.store.BackfillDone() {
			if err := s.Backfill(ctx); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "backfill failed",
					slog.String("customerID", acct.CustomerID), slog.Any("error", err))
			}
		}
	}
	return nil
}
