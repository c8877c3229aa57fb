package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

const subscriptionColumns = `id, plan_id, plan_version, customer_id, current_usage,
	period_start, period_end, lifecycle, created_at, updated_at`

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new SQLite subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = ?
	`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	return sub, err
}

// List returns subscriptions matching filter, ordered by ID.
func (s *SubscriptionStore) List(ctx context.Context, filter ports.SubscriptionFilter) ([]subscription.Subscription, error) {
	var where []string
	var args []any
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Lifecycle != "" {
		where = append(where, "lifecycle = ?")
		args = append(args, string(filter.Lifecycle))
	}

	query := "SELECT " + subscriptionColumns + " FROM subscriptions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub subscription.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.PlanID, sub.PlanVersion, sub.CustomerID, sub.CurrentUsage,
		sub.Period.Start.UTC(), sub.Period.End.UTC(), string(sub.Lifecycle),
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("subscription %s: %w", sub.ID, ports.ErrConflict)
	}
	return err
}

// Update replaces a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub subscription.Subscription) error {
	return updateSubscription(ctx, s.db, sub)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSubscription(ctx context.Context, db execer, sub subscription.Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	result, err := db.ExecContext(ctx, `
		UPDATE subscriptions
		SET plan_id = ?, plan_version = ?, customer_id = ?, current_usage = ?,
		    period_start = ?, period_end = ?, lifecycle = ?, updated_at = ?
		WHERE id = ?
	`,
		sub.PlanID, sub.PlanVersion, sub.CustomerID, sub.CurrentUsage,
		sub.Period.Start.UTC(), sub.Period.End.UTC(), string(sub.Lifecycle),
		sub.UpdatedAt.UTC(), sub.ID,
	)
	if err != nil {
		return err
	}
	return expectRows(result, "subscription "+sub.ID)
}

// RecordUsage sets current usage, guarded on the open period.
func (s *SubscriptionStore) RecordUsage(ctx context.Context, id string, period subscription.BillingPeriod, usage int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET current_usage = ?, updated_at = ?
		WHERE id = ? AND period_start = ? AND period_end = ?
	`, usage, at.UTC(), id, period.Start.UTC(), period.End.UTC())
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Distinguish a missing subscription from a stale period.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("subscription %s: period %s is not open: %w", id, period.Start.Format(time.DateOnly), ports.ErrConflict)
}

// CountByPlan counts subscriptions and closed periods on a plan.
func (s *SubscriptionStore) CountByPlan(ctx context.Context, planID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM subscriptions WHERE plan_id = ?)
		     + (SELECT COUNT(*) FROM subscription_periods WHERE plan_id = ?)
	`, planID, planID).Scan(&n)
	return n, err
}

// ClosePeriod archives closed and stores next as the live record. The live
// record must still match closed; otherwise ErrConflict is returned and
// nothing is written.
func (s *SubscriptionStore) ClosePeriod(ctx context.Context, closed, next subscription.Subscription) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET plan_id = ?, plan_version = ?, customer_id = ?, current_usage = ?,
			    period_start = ?, period_end = ?, lifecycle = ?, updated_at = ?
			WHERE id = ? AND period_start = ? AND lifecycle = ? AND current_usage = ?
		`,
			next.PlanID, next.PlanVersion, next.CustomerID, next.CurrentUsage,
			next.Period.Start.UTC(), next.Period.End.UTC(), string(next.Lifecycle),
			next.UpdatedAt.UTC(),
			closed.ID, closed.Period.Start.UTC(), string(closed.Lifecycle), closed.CurrentUsage,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE id = ?`, closed.ID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("subscription %s: %w", closed.ID, ports.ErrNotFound)
			}
			return fmt.Errorf("subscription %s changed since it was read: %w", closed.ID, ports.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscription_periods (
				subscription_id, plan_id, plan_version, customer_id, usage,
				period_start, period_end, lifecycle, closed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			closed.ID, closed.PlanID, closed.PlanVersion, closed.CustomerID, closed.CurrentUsage,
			closed.Period.Start.UTC(), closed.Period.End.UTC(), string(closed.Lifecycle),
			next.UpdatedAt.UTC(),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("subscription %s period %s already closed: %w",
				closed.ID, closed.Period.Start.Format(time.DateOnly), ports.ErrConflict)
		}
		return err
	})
}

// History returns closed periods that started at or after since.
func (s *SubscriptionStore) History(ctx context.Context, since time.Time) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, plan_id, plan_version, customer_id, usage,
		       period_start, period_end, lifecycle, closed_at, closed_at
		FROM subscription_periods
		WHERE period_start >= ?
		ORDER BY period_start ASC, subscription_id ASC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (subscription.Subscription, error) {
	var sub subscription.Subscription
	var lifecycle string
	err := row.Scan(
		&sub.ID, &sub.PlanID, &sub.PlanVersion, &sub.CustomerID, &sub.CurrentUsage,
		&sub.Period.Start, &sub.Period.End, &lifecycle, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return subscription.Subscription{}, err
	}
	sub.Lifecycle = subscription.Lifecycle(lifecycle)
	return sub, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
