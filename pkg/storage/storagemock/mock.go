package storagemock

import (
	"context"

	"github.com/evnsync/evnsync/pkg/storage"
	"github.com/evnsync/evnsync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetAccount(ctx context.Context, customerID string) (types.Account, bool, error) {
	args := m.Called(ctx, customerID)
	return args.Get(0).(types.Account), args.Bool(1), args.Error(2)
}

func (m *MockDatabase) ListAccounts(ctx context.Context) ([]types.Account, error) {
	args := m.Called(ctx)
	var accts []types.Account
	if args.Get(0) != nil {
		accts = args.Get(0).([]types.Account)
	}
	return accts, args.Error(1)
}

func (m *MockDatabase) SaveAccount(ctx context.Context, acct types.Account) error {
	args := m.Called(ctx, acct)
	return args.Error(0)
}

func (m *MockDatabase) DeleteAccount(ctx context.Context, customerID string) error {
	args := m.Called(ctx, customerID)
	return args.Error(0)
}

func (m *MockDatabase) ReadHistory(ctx context.Context, customerID string) (types.HistoryDocument, bool, error) {
	args := m.Called(ctx, customerID)
	return args.Get(0).(types.HistoryDocument), args.Bool(1), args.Error(2)
}

func (m *MockDatabase) WriteHistory(ctx context.Context, customerID string, doc types.HistoryDocument) error {
	args := m.Called(ctx, customerID, doc)
	return args.Error(0)
}

func (m *MockDatabase) DeleteHistory(ctx context.Context, customerID string) error {
	args := m.Called(ctx, customerID)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
