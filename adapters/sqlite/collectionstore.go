package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vistara-apps/usagebill/ports"
)

// CollectionStore implements ports.CollectionStore using SQLite.
type CollectionStore struct {
	db *DB
}

// NewCollectionStore creates a new SQLite collection store.
func NewCollectionStore(db *DB) *CollectionStore {
	return &CollectionStore{db: db}
}

// Get returns the collection recorded under key.
func (s *CollectionStore) Get(ctx context.Context, key string) (ports.Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, subscription_id, provider, reference, amount, currency, collected_at
		FROM collections WHERE key = ?
	`, key)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Collection{}, fmt.Errorf("collection %s: %w", key, ports.ErrNotFound)
	}
	return c, err
}

// Save records a collection.
func (s *CollectionStore) Save(ctx context.Context, c ports.Collection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (key, subscription_id, provider, reference, amount, currency, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Key, c.SubscriptionID, c.Provider, c.Reference, c.Amount, c.Currency, c.CollectedAt.UTC())
	if isUniqueConstraintError(err) {
		return fmt.Errorf("collection %s: %w", c.Key, ports.ErrConflict)
	}
	return err
}

// List returns collections for a subscription, newest first.
func (s *CollectionStore) List(ctx context.Context, subscriptionID string) ([]ports.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, subscription_id, provider, reference, amount, currency, collected_at
		FROM collections
		WHERE subscription_id = ?
		ORDER BY collected_at DESC
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []ports.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCollection(row rowScanner) (ports.Collection, error) {
	var c ports.Collection
	err := row.Scan(&c.Key, &c.SubscriptionID, &c.Provider, &c.Reference, &c.Amount, &c.Currency, &c.CollectedAt)
	return c, err
}

// Ensure interface compliance.
var _ ports.CollectionStore = (*CollectionStore)(nil)
