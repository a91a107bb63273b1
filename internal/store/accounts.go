package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onllm-dev/aipulse/internal/api"
)

// ErrAccountNotFound is returned when no account has the requested id.
var ErrAccountNotFound = errors.New("store: account not found")

// Account is one configured credential set for a provider.
type Account struct {
	ID          string
	Name        string
	Provider    string
	Credentials api.Credentials
	CreatedAt   time.Time
}

// SaveAccount inserts or replaces an account. Credentials are encrypted when
// the store has a key, bound to the account id.
func (s *Store) SaveAccount(a *Account) error {
	if a.ID == "" || a.Provider == "" {
		return errors.New("store.SaveAccount: id and provider are required")
	}
	raw, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("store.SaveAccount: %w", err)
	}
	sealed, err := s.sealForStorage(string(raw), a.ID)
	if err != nil {
		return fmt.Errorf("store.SaveAccount: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO accounts (id, name, provider, credentials, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, sealed, a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store.SaveAccount: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given id.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, name, provider, credentials, created_at FROM accounts WHERE id = ?`, id,
	)
	a, err := s.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetAccount: %w", err)
	}
	return a, nil
}

// ListAccounts returns accounts for a provider ordered by creation time.
// An empty provider lists every account.
func (s *Store) ListAccounts(provider string) ([]Account, error) {
	query := `SELECT id, name, provider, credentials, created_at FROM accounts`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListAccounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ListAccounts: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListAccounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account. History rows are kept.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store.DeleteAccount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var sealed, createdAt string
	if err := row.Scan(&a.ID, &a.Name, &a.Provider, &sealed, &createdAt); err != nil {
		return nil, err
	}
	raw, err := s.openFromStorage(sealed, a.ID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &a.Credentials); err != nil {
		return nil, fmt.Errorf("decoding credentials for %s: %w", a.ID, err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}
