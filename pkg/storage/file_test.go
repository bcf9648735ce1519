package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evnsync/evnsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileProvider(t *testing.T) *FileProvider {
	f := &FileProvider{dir: t.TempDir()}
	require.NoError(t, f.Init(t.Context()))
	return f
}

func TestFileAccounts(t *testing.T) {
	f := testFileProvider(t)
	ctx := t.Context()

	_, ok, err := f.GetAccount(ctx, "PB09000111222")
	require.NoError(t, err)
	assert.False(t, ok)

	a := types.Account{CustomerID: "PB09000111222", Provider: types.ProviderSPC, BillingStartDay: 14}
	require.NoError(t, f.SaveAccount(ctx, a))
	b := types.Account{CustomerID: "PA00011122233", Provider: types.ProviderNPC, Username: "u", Password: "p", BillingStartDay: 1}
	require.NoError(t, f.SaveAccount(ctx, b))

	got, ok, err := f.GetAccount(ctx, "PB09000111222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got)

	list, err := f.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "PA00011122233", list[0].CustomerID, "accounts should be sorted")

	require.NoError(t, f.DeleteAccount(ctx, "PB09000111222"))
	list, err = f.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileHistory(t *testing.T) {
	f := testFileProvider(t)
	ctx := t.Context()

	_, ok, err := f.ReadHistory(ctx, "PB09000111222")
	require.NoError(t, err)
	assert.False(t, ok)

	doc := types.HistoryDocument{
		Version:    types.CurrentHistoryVersion,
		CustomerID: "PB09000111222",
		Daily: []types.DailyRecord{
			{Date: types.Date{Year: 2025, Month: 3, Day: 1}, ConsumptionKWH: 5},
		},
		Monthly: []types.MonthlyRecord{
			{Year: 2025, Month: 2, ConsumptionKWH: 201, Cost: 548000},
		},
		Sync: types.SyncMetadata{BackfillDone: true},
	}
	require.NoError(t, f.WriteHistory(ctx, "PB09000111222", doc))

	got, ok, err := f.ReadHistory(ctx, "PB09000111222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc, got)

	// documents should not be world readable
	info, err := os.Stat(filepath.Join(f.dir, "PB09000111222.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, f.DeleteHistory(ctx, "PB09000111222"))
	_, ok, err = f.ReadHistory(ctx, "PB09000111222")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting again is fine
	require.NoError(t, f.DeleteHistory(ctx, "PB09000111222"))
}

func TestFileHistoryCorrupt(t *testing.T) {
	f := testFileProvider(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "PB09000111222.json"), []byte("{oops"), 0o600))

	_, _, err := f.ReadHistory(t.Context(), "PB09000111222")
	assert.Error(t, err)
}
