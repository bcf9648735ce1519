package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/evnsync/evnsync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// FileProvider implements the Database interface on the local filesystem.
// Each account's history is one JSON document at <dir>/<customerID>.json and
// all accounts live in <dir>/accounts.json. It is the default backend for
// single-host deployments.
type FileProvider struct {
	dir string

	mu sync.Mutex
}

// NewFileProvider creates a file provider rooted at dir. Init must be called
// before use.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// configuredFile sets up the file provider.
func configuredFile() *FileProvider {
	dir := lflag.String("storage-dir", "data", "Directory for file storage")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.dir == "" {
		return fmt.Errorf("storage-dir is required")
	}
	return nil
}

// Init creates the storage directory.
func (f *FileProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir %s: %w", f.dir, err)
	}
	return nil
}

// Close implements the Database interface.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) accountsPath() string {
	return filepath.Join(f.dir, "accounts.json")
}

func (f *FileProvider) historyPath(customerID string) string {
	return filepath.Join(f.dir, customerID+".json")
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadAccounts reads the accounts file. Callers must hold f.mu.
func (f *FileProvider) loadAccounts() (map[string]types.Account, error) {
	accts := make(map[string]types.Account)
	data, err := os.ReadFile(f.accountsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return accts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	if err := json.Unmarshal(data, &accts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accounts file: %w", err)
	}
	return accts, nil
}

// saveAccounts writes the accounts file. Callers must hold f.mu.
func (f *FileProvider) saveAccounts(accts map[string]types.Account) error {
	data, err := json.MarshalIndent(accts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}
	if err := writeFileAtomic(f.accountsPath(), data); err != nil {
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	return nil
}

// GetAccount implements the Database interface.
func (f *FileProvider) GetAccount(ctx context.Context, customerID string) (types.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	accts, err := f.loadAccounts()
	if err != nil {
		return types.Account{}, false, err
	}
	a, ok := accts[customerID]
	return a, ok, nil
}

// ListAccounts implements the Database interface. Accounts come back sorted
// by customer code for stable iteration.
func (f *FileProvider) ListAccounts(ctx context.Context) ([]types.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	accts, err := f.loadAccounts()
	if err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(accts))
	for _, a := range accts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

// SaveAccount implements the Database interface.
func (f *FileProvider) SaveAccount(ctx context.Context, acct types.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	accts, err := f.loadAccounts()
	if err != nil {
		return err
	}
	accts[acct.CustomerID] = acct
	return f.saveAccounts(accts)
}

// DeleteAccount implements the Database interface.
func (f *FileProvider) DeleteAccount(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	accts, err := f.loadAccounts()
	if err != nil {
		return err
	}
	delete(accts, customerID)
	return f.saveAccounts(accts)
}

// ReadHistory implements the Database interface.
func (f *FileProvider) ReadHistory(ctx context.Context, customerID string) (types.HistoryDocument, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.historyPath(customerID))
	if errors.Is(err, fs.ErrNotExist) {
		return types.HistoryDocument{}, false, nil
	}
	if err != nil {
		return types.HistoryDocument{}, false, fmt.Errorf("failed to read history for %s: %w", customerID, err)
	}
	var doc types.HistoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.HistoryDocument{}, false, fmt.Errorf("failed to unmarshal history for %s: %w", customerID, err)
	}
	return doc, true, nil
}

// WriteHistory implements the Database interface.
func (f *FileProvider) WriteHistory(ctx context.Context, customerID string, doc types.HistoryDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history for %s: %w", customerID, err)
	}
	if err := writeFileAtomic(f.historyPath(customerID), data); err != nil {
		return fmt.Errorf("failed to write history for %s: %w", customerID, err)
	}
	return nil
}

// DeleteHistory implements the Database interface.
func (f *FileProvider) DeleteHistory(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.historyPath(customerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete history for %s: %w", customerID, err)
	}
	return nil
}
