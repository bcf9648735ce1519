package storage

import (
	"context"

	"github.com/evnsync/evnsync/pkg/types"
)

// Database defines the interface for persisting accounts and usage history.
type Database interface {
	// Accounts
	GetAccount(ctx context.Context, customerID string) (types.Account, bool, error)
	ListAccounts(ctx context.Context) ([]types.Account, error)
	SaveAccount(ctx context.Context, acct types.Account) error
	DeleteAccount(ctx context.Context, customerID string) error

	// History
	// ReadHistory returns the per-account history document; the bool is
	// false when none has been written yet.
	ReadHistory(ctx context.Context, customerID string) (types.HistoryDocument, bool, error)
	WriteHistory(ctx context.Context, customerID string, doc types.HistoryDocument) error
	DeleteHistory(ctx context.Context, customerID string) error

	// Lifecycle
	Close() error
}
