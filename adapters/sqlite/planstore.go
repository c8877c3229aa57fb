package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/ports"
)

const planColumns = `id, version, name, description, features, status,
	base_price, usage_limit, overage_unit_price, overage_margin_percent,
	created_at, updated_at`

// PlanStore implements ports.PlanStore with SQLite.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new SQLite plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

// List returns the latest version of every plan, cheapest first.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans p
		WHERE version = (SELECT MAX(version) FROM plans WHERE id = p.id)
		ORDER BY base_price ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Get retrieves the latest version of a plan.
func (s *PlanStore) Get(ctx context.Context, id string) (plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans WHERE id = ?
		ORDER BY version DESC LIMIT 1
	`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", id, ports.ErrNotFound)
	}
	return p, err
}

// GetVersion retrieves one version of a plan.
func (s *PlanStore) GetVersion(ctx context.Context, id string, version int) (plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans WHERE id = ? AND version = ?
	`, id, version)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Plan{}, fmt.Errorf("plan %s v%d: %w", id, version, ports.ErrNotFound)
	}
	return p, err
}

// Save inserts p as a new version row.
func (s *PlanStore) Save(ctx context.Context, p plan.Plan) error {
	features, err := json.Marshal(nonNil(p.Features))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = plan.StatusDraft
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Version, p.Name, p.Description, string(features), string(p.Status),
		p.BasePrice, p.UsageLimit, p.OverageUnitPrice, p.OverageMarginPercent,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("plan %s v%d: %w", p.ID, p.Version, ports.ErrConflict)
	}
	return err
}

// SetStatus changes the status of every version of a plan.
func (s *PlanStore) SetStatus(ctx context.Context, id string, status plan.Status, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), at.UTC(), id)
	if err != nil {
		return err
	}
	return expectRows(result, "plan "+id)
}

// Delete removes every version of a plan.
func (s *PlanStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRows(result, "plan "+id)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (plan.Plan, error) {
	var p plan.Plan
	var status, features string
	err := row.Scan(
		&p.ID, &p.Version, &p.Name, &p.Description, &features, &status,
		&p.BasePrice, &p.UsageLimit, &p.OverageUnitPrice, &p.OverageMarginPercent,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return plan.Plan{}, err
	}
	p.Status = plan.Status(status)
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return plan.Plan{}, fmt.Errorf("decode features of plan %s: %w", p.ID, err)
	}
	return p, nil
}

func expectRows(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ports.ErrNotFound)
	}
	return nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
