package history

import (
	"testing"

	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y, m, d int) types.Date {
	return types.Date{Year: y, Month: m, Day: d}
}

// testStore opens a store against the file backend in a temp dir so Persist
// is exercised for real.
func testStore(t *testing.T) (*Store, storage.Database) {
	f := storage.NewFileProvider(t.TempDir())
	require.NoError(t, f.Init(t.Context()))
	s, err := Open(t.Context(), f, "PB09000111222", day(2025, 1, 1))
	require.NoError(t, err)
	return s, f
}

func TestMergeDaily(t *testing.T) {
	s, _ := testStore(t)

	added := s.MergeDaily([]types.DailyRecord{
		{Date: day(2025, 1, 2), ConsumptionKWH: 6},
		{Date: day(2025, 1, 1), ConsumptionKWH: 5},
	})
	assert.Equal(t, 2, added)

	// re-merging the same days is a no-op and existing values win
	added = s.MergeDaily([]types.DailyRecord{
		{Date: day(2025, 1, 1), ConsumptionKWH: 99},
		{Date: day(2025, 1, 3), ConsumptionKWH: 7},
	})
	assert.Equal(t, 1, added)

	recs := s.DailySeries()
	require.Len(t, recs, 3)
	assert.Equal(t, day(2025, 1, 1), recs[0].Date)
	assert.Equal(t, 5.0, recs[0].ConsumptionKWH, "first write wins")
	assert.Equal(t, day(2025, 1, 3), recs[2].Date)
}

func TestMergeMonthly(t *testing.T) {
	s, _ := testStore(t)

	added := s.MergeMonthly([]types.MonthlyRecord{
		{Year: 2025, Month: 2, ConsumptionKWH: 201, Cost: 548000},
		{Year: 2025, Month: 1, ConsumptionKWH: 190, Cost: 520000},
	})
	assert.Equal(t, 2, added)

	// same month but a different invoice id is a distinct record
	added = s.MergeMonthly([]types.MonthlyRecord{
		{Year: 2025, Month: 1, ConsumptionKWH: 15, Cost: 41000, InvoiceID: "HD-2"},
		{Year: 2025, Month: 2, ConsumptionKWH: 201, Cost: 548000},
	})
	assert.Equal(t, 1, added)

	recs := s.MonthlySeries()
	require.Len(t, recs, 3)
	assert.Equal(t, 1, recs[0].Month)
	assert.Equal(t, 1, recs[1].Month)
	assert.Equal(t, 2, recs[2].Month)
}

func TestMissingDailyRanges(t *testing.T) {
	t.Run("EmptyStore", func(t *testing.T) {
		s, _ := testStore(t)
		ranges := s.MissingDailyRanges(day(2025, 3, 10))
		require.Len(t, ranges, 1)
		assert.Equal(t, DateRange{Start: day(2025, 1, 1), End: day(2025, 3, 9)}, ranges[0])
	})

	t.Run("PartiallyFilled", func(t *testing.T) {
		s, _ := testStore(t)
		var recs []types.DailyRecord
		for d := day(2025, 1, 1); !d.After(day(2025, 1, 31)); d = d.Next() {
			recs = append(recs, types.DailyRecord{Date: d, ConsumptionKWH: 5})
		}
		for d := day(2025, 2, 5); !d.After(day(2025, 3, 9)); d = d.Next() {
			recs = append(recs, types.DailyRecord{Date: d, ConsumptionKWH: 5})
		}
		s.MergeDaily(recs)

		ranges := s.MissingDailyRanges(day(2025, 3, 10))
		require.Len(t, ranges, 1)
		assert.Equal(t, DateRange{Start: day(2025, 2, 1), End: day(2025, 2, 4)}, ranges[0])
	})

	t.Run("MultipleGaps", func(t *testing.T) {
		s, _ := testStore(t)
		s.MergeDaily([]types.DailyRecord{
			{Date: day(2025, 1, 2), ConsumptionKWH: 5},
			{Date: day(2025, 1, 5), ConsumptionKWH: 5},
		})
		ranges := s.MissingDailyRanges(day(2025, 1, 7))
		assert.Equal(t, []DateRange{
			{Start: day(2025, 1, 1), End: day(2025, 1, 1)},
			{Start: day(2025, 1, 3), End: day(2025, 1, 4)},
			{Start: day(2025, 1, 6), End: day(2025, 1, 6)},
		}, ranges)
	})

	t.Run("HorizonAfterYesterday", func(t *testing.T) {
		s, _ := testStore(t)
		assert.Empty(t, s.MissingDailyRanges(day(2025, 1, 1)))
	})
}

func TestMissingMonths(t *testing.T) {
	s, _ := testStore(t)

	months := s.MissingMonths(day(2025, 4, 10))
	assert.Equal(t, []types.Month{
		{Year: 2025, Month: 1},
		{Year: 2025, Month: 2},
		{Year: 2025, Month: 3},
	}, months)

	s.MergeMonthly([]types.MonthlyRecord{{Year: 2025, Month: 2, ConsumptionKWH: 201}})
	months = s.MissingMonths(day(2025, 4, 10))
	assert.Equal(t, []types.Month{
		{Year: 2025, Month: 1},
		{Year: 2025, Month: 3},
	}, months)

	// nothing complete before the horizon month
	assert.Empty(t, s.MissingMonths(day(2025, 1, 15)))
}

func TestMissingMonthsJanuaryWrapsYear(t *testing.T) {
	f := storage.NewFileProvider(t.TempDir())
	require.NoError(t, f.Init(t.Context()))
	s, err := Open(t.Context(), f, "PB09000111222", day(2024, 11, 1))
	require.NoError(t, err)

	months := s.MissingMonths(day(2025, 1, 5))
	assert.Equal(t, []types.Month{
		{Year: 2024, Month: 11},
		{Year: 2024, Month: 12},
	}, months)
}

func TestPersistRoundTrip(t *testing.T) {
	f := storage.NewFileProvider(t.TempDir())
	require.NoError(t, f.Init(t.Context()))

	s, err := Open(t.Context(), f, "PB09000111222", day(2025, 1, 1))
	require.NoError(t, err)
	s.MergeDaily([]types.DailyRecord{{Date: day(2025, 1, 1), ConsumptionKWH: 5}})
	s.MarkBackfillInProgress(true)
	require.NoError(t, s.Persist(t.Context()))

	// re-open and confirm the state survived
	s2, err := Open(t.Context(), f, "PB09000111222", day(2025, 1, 1))
	require.NoError(t, err)
	assert.True(t, s2.BackfillInProgress())
	assert.False(t, s2.BackfillDone())
	require.Len(t, s2.DailySeries(), 1)

	s2.MarkBackfillDone()
	require.NoError(t, s2.Persist(t.Context()))

	s3, err := Open(t.Context(), f, "PB09000111222", day(2025, 1, 1))
	require.NoError(t, err)
	assert.True(t, s3.BackfillDone())
	assert.False(t, s3.BackfillInProgress())
}

func TestMonthlyProjections(t *testing.T) {
	s, _ := testStore(t)
	s.MergeMonthly([]types.MonthlyRecord{
		{Year: 2025, Month: 1, ConsumptionKWH: 190, Cost: 520000},
		{Year: 2025, Month: 1, ConsumptionKWH: 15, Cost: 41000, InvoiceID: "HD-2"},
		{Year: 2025, Month: 2, ConsumptionKWH: 201, Cost: 548000},
	})

	cons := s.MonthlyConsumption()
	require.Len(t, cons, 2)
	assert.Equal(t, 205.0, cons[0].Value, "split invoices are summed")
	assert.Equal(t, 201.0, cons[1].Value)

	cost := s.MonthlyCost()
	require.Len(t, cost, 2)
	assert.Equal(t, 561000.0, cost[0].Value)
}
