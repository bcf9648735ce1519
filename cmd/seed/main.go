// Command seed writes a demo account with generated usage history into
// storage so the API can be exercised without real provider credentials.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/evnsync/evnsync/pkg/evn"
	"github.com/evnsync/evnsync/pkg/history"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/tariff"
	"github.com/evnsync/evnsync/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	db := storage.Configured()
	sched := tariff.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now().In(evn.Location())
	today := types.DateFromTime(now)
	horizon := today.Prev()
	for i := 0; i < 89; i++ {
		horizon = horizon.Prev()
	}

	acct := types.Account{
		CustomerID:      "PB09000111222",
		Provider:        types.ProviderSPC,
		BillingStartDay: 1,
		HistoryStart:    horizon,
		CreatedAt:       now,
	}
	if err := db.SaveAccount(ctx, acct); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save account", "error", err)
		os.Exit(1)
	}

	store, err := history.Open(ctx, db, acct.CustomerID, horizon)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open history", "error", err)
		os.Exit(1)
	}

	// daily usage with a weekly rhythm plus some jitter, more use on weekends
	var daily []types.DailyRecord
	for d := horizon; d.Before(today); d = d.Next() {
		weekday := d.Time(evn.Location()).Weekday()
		base := 8.0
		if weekday == time.Saturday || weekday == time.Sunday {
			base = 11.0
		}
		// summer months run the air conditioning harder
		if d.Month >= 5 && d.Month <= 8 {
			base *= 1.4
		}
		kwh := base + math.Abs(rng.NormFloat64())*2
		cost := sched.Cost(kwh)
		daily = append(daily, types.DailyRecord{
			Date:           d,
			ConsumptionKWH: math.Round(kwh*10) / 10,
			Cost:           &cost,
		})
	}
	store.MergeDaily(daily)

	// one invoice per complete month
	var monthly []types.MonthlyRecord
	last := today.MonthOf().Prev()
	for m := horizon.MonthOf(); !m.After(last); m = m.Next() {
		kwh := 250.0 + rng.Float64()*100
		monthly = append(monthly, types.MonthlyRecord{
			Year:           m.Year,
			Month:          m.Month,
			ConsumptionKWH: math.Round(kwh),
			Cost:           sched.Cost(kwh),
		})
	}
	store.MergeMonthly(monthly)

	store.MarkBackfillDone()
	store.SetLastSynced(now)
	if err := store.Persist(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist history", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded demo account",
		"customerID", acct.CustomerID,
		"days", len(daily),
		"months", len(monthly))
}
