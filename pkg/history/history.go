// Package history owns the durable per-account usage history: merging
// fetched records, finding the gaps still missing, and persisting the
// document.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/types"
)

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start types.Date `json:"start"`
	End   types.Date `json:"end"`
}

// Store owns the history document for one account. All mutation goes through
// the store; the document is only written back on Persist.
type Store struct {
	db         storage.Database
	customerID string
	// horizon is the earliest day history is kept for.
	horizon types.Date

	mu  sync.Mutex
	doc types.HistoryDocument
}

// Open loads the account's history document from storage, initializing an
// empty one when none exists yet.
func Open(ctx context.Context, db storage.Database, customerID string, horizon types.Date) (*Store, error) {
	doc, ok, err := db.ReadHistory(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", customerID, err)
	}
	if !ok {
		doc = types.HistoryDocument{
			Version:    types.CurrentHistoryVersion,
			CustomerID: customerID,
		}
	}
	return &Store{
		db:         db,
		customerID: customerID,
		horizon:    horizon,
		doc:        doc,
	}, nil
}

// CustomerID returns the account the store belongs to.
func (s *Store) CustomerID() string {
	return s.customerID
}

// Horizon returns the earliest day history is kept for.
func (s *Store) Horizon() types.Date {
	return s.horizon
}

// MergeDaily merges fetched daily records into the document. Existing days
// win over incoming ones; the slice stays sorted ascending by date. It
// returns how many records were added.
func (s *Store) MergeDaily(recs []types.DailyRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[types.Date]bool, len(s.doc.Daily))
	for _, r := range s.doc.Daily {
		existing[r.Date] = true
	}

	added := 0
	for _, r := range recs {
		if existing[r.Date] {
			continue
		}
		existing[r.Date] = true
		s.doc.Daily = append(s.doc.Daily, r)
		added++
	}
	if added > 0 {
		sort.Slice(s.doc.Daily, func(i, j int) bool {
			return s.doc.Daily[i].Date.Before(s.doc.Daily[j].Date)
		})
	}
	return added
}

// MergeMonthly merges fetched monthly records into the document, deduping by
// the record key so providers that issue several invoices per month keep all
// of them. It returns how many records were added.
func (s *Store) MergeMonthly(recs []types.MonthlyRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[types.MonthlyKey]bool, len(s.doc.Monthly))
	for _, r := range s.doc.Monthly {
		existing[r.Key()] = true
	}

	added := 0
	for _, r := range recs {
		if existing[r.Key()] {
			continue
		}
		existing[r.Key()] = true
		s.doc.Monthly = append(s.doc.Monthly, r)
		added++
	}
	if added > 0 {
		sort.Slice(s.doc.Monthly, func(i, j int) bool {
			a, b := s.doc.Monthly[i], s.doc.Monthly[j]
			if a.Year != b.Year {
				return a.Year < b.Year
			}
			if a.Month != b.Month {
				return a.Month < b.Month
			}
			return a.InvoiceID < b.InvoiceID
		})
	}
	return added
}

// MissingDailyRanges returns the inclusive day ranges between the horizon
// and yesterday that have no record yet, coalescing consecutive missing days
// into single spans.
func (s *Store) MissingDailyRanges(today types.Date) []DateRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	yesterday := today.Prev()
	if yesterday.Before(s.horizon) {
		return nil
	}

	existing := make(map[types.Date]bool, len(s.doc.Daily))
	for _, r := range s.doc.Daily {
		existing[r.Date] = true
	}

	var missing []DateRange
	var start *types.Date
	for d := s.horizon; !d.After(yesterday); d = d.Next() {
		if !existing[d] {
			if start == nil {
				dd := d
				start = &dd
			}
			continue
		}
		if start != nil {
			missing = append(missing, DateRange{Start: *start, End: d.Prev()})
			start = nil
		}
	}
	if start != nil {
		missing = append(missing, DateRange{Start: *start, End: yesterday})
	}
	return missing
}

// MissingMonths returns the months between the horizon month and the last
// complete month that have no record yet.
func (s *Store) MissingMonths(today types.Date) []types.Month {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the current month's bill does not exist yet
	last := today.MonthOf().Prev()
	first := s.horizon.MonthOf()
	if last.Before(first) {
		return nil
	}

	existing := make(map[types.Month]bool, len(s.doc.Monthly))
	for _, r := range s.doc.Monthly {
		existing[r.MonthOf()] = true
	}

	var missing []types.Month
	for m := first; !m.After(last); m = m.Next() {
		if !existing[m] {
			missing = append(missing, m)
		}
	}
	return missing
}

// Persist writes the document through to storage.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	doc := s.copyDocLocked()
	s.mu.Unlock()

	if err := s.db.WriteHistory(ctx, s.customerID, doc); err != nil {
		return fmt.Errorf("persisting history for %s: %w", s.customerID, err)
	}
	return nil
}

func (s *Store) copyDocLocked() types.HistoryDocument {
	doc := s.doc
	doc.Daily = append([]types.DailyRecord(nil), s.doc.Daily...)
	doc.Monthly = append([]types.MonthlyRecord(nil), s.doc.Monthly...)
	return doc
}

// DailySeries returns a copy of the daily records, sorted ascending. It is
// safe to call while a backfill is running.
func (s *Store) DailySeries() []types.DailyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DailyRecord(nil), s.doc.Daily...)
}

// MonthlySeries returns a copy of the monthly records, sorted ascending.
func (s *Store) MonthlySeries() []types.MonthlyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MonthlyRecord(nil), s.doc.Monthly...)
}

// MonthPoint is one month of a projection series.
type MonthPoint struct {
	Year  int     `json:"year"`
	Month int     `json:"month"`
	Value float64 `json:"value"`
}

// MonthlyConsumption projects the monthly records to a consumption series,
// summing months with several invoices.
func (s *Store) MonthlyConsumption() []MonthPoint {
	return s.projectMonthly(func(r types.MonthlyRecord) float64 { return r.ConsumptionKWH })
}

// MonthlyCost projects the monthly records to a cost series, summing months
// with several invoices.
func (s *Store) MonthlyCost() []MonthPoint {
	return s.projectMonthly(func(r types.MonthlyRecord) float64 { return float64(r.Cost) })
}

func (s *Store) projectMonthly(value func(types.MonthlyRecord) float64) []MonthPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []MonthPoint
	for _, r := range s.doc.Monthly {
		if len(out) > 0 && out[len(out)-1].Year == r.Year && out[len(out)-1].Month == r.Month {
			out[len(out)-1].Value += value(r)
			continue
		}
		out = append(out, MonthPoint{Year: r.Year, Month: r.Month, Value: value(r)})
	}
	return out
}

// BackfillDone reports whether the historical backfill completed.
func (s *Store) BackfillDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Sync.BackfillDone
}

// BackfillInProgress reports whether a backfill was running when the
// document was last persisted.
func (s *Store) BackfillInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Sync.BackfillInProgress
}

// MarkBackfillInProgress flags the document so an interrupted backfill can
// be detected after a restart.
func (s *Store) MarkBackfillInProgress(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sync.BackfillInProgress = v
}

// MarkBackfillDone flags the backfill as complete.
func (s *Store) MarkBackfillDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sync.BackfillDone = true
	s.doc.Sync.BackfillInProgress = false
}

// SetLastSynced records when the account was last refreshed.
func (s *Store) SetLastSynced(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Sync.LastSyncedAt = t
}

// LastSynced returns when the account was last refreshed.
func (s *Store) LastSynced() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Sync.LastSyncedAt
}
