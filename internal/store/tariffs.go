// ABOUTME: Tariff plan and user-tariff persistence for the SQLite store
// ABOUTME: Readers lazily clear stale is_active flags in the same transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// assignGrace is the window within which a repeated assignment of the same
// plan is treated as a duplicate settlement (webhook retry) and ignored.
const assignGrace = time.Hour

// EnsureZeroPlan returns the distinguished free plan, creating it if needed.
func (s *SQLiteStore) EnsureZeroPlan(ctx context.Context) (*TariffPlan, error) {
	var plan *TariffPlan
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := ensureZeroPlanTx(ctx, tx, time.Now().UTC())
		if err != nil {
			return err
		}
		plan, err = getTariffPlanTx(ctx, tx, id)
		return err
	})
	return plan, err
}

// ensureZeroPlanTx finds or creates the zero plan inside an open transaction.
func ensureZeroPlanTx(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM tariff_plans WHERE price = 0 AND max_projects = 1 AND max_chats_per_project = 1
		 ORDER BY id LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("looking up zero plan: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tariff_plans (name, description, price, max_projects, max_chats_per_project, is_active, created_at)
		 VALUES ('Free', 'Starter plan: one project, one chat', 0, 1, 1, 1, ?)`, now)
	if err != nil {
		return 0, fmt.Errorf("inserting zero plan: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading zero plan id: %w", err)
	}
	return id, nil
}

// CreateTariffPlan registers a new plan.
func (s *SQLiteStore) CreateTariffPlan(ctx context.Context, plan *TariffPlan) (*TariffPlan, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tariff_plans (name, description, price, max_projects, max_chats_per_project, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		plan.Name, plan.Description, plan.Price, plan.MaxProjects, plan.MaxChatsPerProject, now)
	if err != nil {
		return nil, fmt.Errorf("inserting tariff plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading tariff plan id: %w", err)
	}

	created := *plan
	created.ID = id
	created.IsActive = true
	created.CreatedAt = now
	return &created, nil
}

const tariffPlanColumns = `id, name, description, price, max_projects, max_chats_per_project, is_active, created_at`

func scanTariffPlan(row interface{ Scan(...any) error }) (*TariffPlan, error) {
	var p TariffPlan
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.MaxProjects,
		&p.MaxChatsPerProject, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tariff plan: %w", err)
	}
	return &p, nil
}

func getTariffPlanTx(ctx context.Context, tx *sql.Tx, id int64) (*TariffPlan, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+tariffPlanColumns+` FROM tariff_plans WHERE id = ?`, id)
	return scanTariffPlan(row)
}

// GetTariffPlan returns a plan by id.
func (s *SQLiteStore) GetTariffPlan(ctx context.Context, id int64) (*TariffPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tariffPlanColumns+` FROM tariff_plans WHERE id = ?`, id)
	return scanTariffPlan(row)
}

// ListTariffPlans returns plans, optionally restricted to active ones.
func (s *SQLiteStore) ListTariffPlans(ctx context.Context, activeOnly bool) ([]*TariffPlan, error) {
	query := `SELECT ` + tariffPlanColumns + ` FROM tariff_plans`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY price`)
	if err != nil {
		return nil, fmt.Errorf("querying tariff plans: %w", err)
	}
	defer rows.Close()

	var plans []*TariffPlan
	for rows.Next() {
		p, err := scanTariffPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// SetTariffPlanActive toggles whether a plan is offered for purchase.
func (s *SQLiteStore) SetTariffPlanActive(ctx context.Context, id int64, isActive bool) error {
	return s.execExpectingRow(ctx,
		`UPDATE tariff_plans SET is_active = ? WHERE id = ?`, isActive, id)
}

// DeleteTariffPlan removes a plan unless an active assignment references it.
func (s *SQLiteStore) DeleteTariffPlan(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_tariffs WHERE tariff_plan_id = ? AND is_active = 1`, id).Scan(&n); err != nil {
			return fmt.Errorf("counting assignments: %w", err)
		}
		if n > 0 {
			return ErrTariffInUse
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM tariff_plans WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting tariff plan: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking delete: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const userTariffColumns = `id, user_id, tariff_plan_id, start_date, end_date, is_active`

func scanUserTariff(row interface{ Scan(...any) error }) (*UserTariff, error) {
	var t UserTariff
	err := row.Scan(&t.ID, &t.UserID, &t.TariffPlanID, &t.StartDate, &t.EndDate, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user tariff: %w", err)
	}
	return &t, nil
}

// AssignTariff activates a plan for a user for the given duration, replacing
// any existing assignment. Re-assigning the same plan within the grace window
// is a no-op, which makes settlement retries idempotent.
func (s *SQLiteStore) AssignTariff(ctx context.Context, userID, planID int64, duration time.Duration) (*UserTariff, error) {
	var assigned *UserTariff
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTariffPlanTx(ctx, tx, planID); err != nil {
			return err
		}

		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx,
			`SELECT `+userTariffColumns+` FROM user_tariffs WHERE user_id = ?`, userID)
		existing, err := scanUserTariff(row)
		switch {
		case err == nil:
			if existing.IsActive && existing.TariffPlanID == planID && now.Sub(existing.StartDate) < assignGrace {
				assigned = existing
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE user_tariffs SET tariff_plan_id = ?, start_date = ?, end_date = ?, is_active = 1
				 WHERE user_id = ?`,
				planID, now, now.Add(duration), userID); err != nil {
				return fmt.Errorf("updating user tariff: %w", err)
			}
			assigned = &UserTariff{
				ID:           existing.ID,
				UserID:       userID,
				TariffPlanID: planID,
				StartDate:    now,
				EndDate:      now.Add(duration),
				IsActive:     true,
			}
			return nil
		case errors.Is(err, ErrNotFound):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO user_tariffs (user_id, tariff_plan_id, start_date, end_date, is_active)
				 VALUES (?, ?, ?, ?, 1)`,
				userID, planID, now, now.Add(duration))
			if err != nil {
				return fmt.Errorf("inserting user tariff: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading user tariff id: %w", err)
			}
			assigned = &UserTariff{
				ID:           id,
				UserID:       userID,
				TariffPlanID: planID,
				StartDate:    now,
				EndDate:      now.Add(duration),
				IsActive:     true,
			}
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tariff assigned", "user_id", userID, "plan_id", planID, "end_date", assigned.EndDate)
	return assigned, nil
}

// GetUserTariff returns the user's assignment. A row observed with is_active
// set but end_date in the past is deactivated in the same transaction before
// being returned, so callers never see a stale active flag.
func (s *SQLiteStore) GetUserTariff(ctx context.Context, userID int64) (*UserTariff, error) {
	var tariff *UserTariff
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+userTariffColumns+` FROM user_tariffs WHERE user_id = ?`, userID)
		t, err := scanUserTariff(row)
		if err != nil {
			return err
		}

		if t.IsActive && !t.EndDate.After(time.Now().UTC()) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE user_tariffs SET is_active = 0 WHERE user_id = ?`, userID); err != nil {
				return fmt.Errorf("deactivating stale tariff: %w", err)
			}
			t.IsActive = false
		}
		tariff = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tariff, nil
}

// GetTariffUsage summarises the user's plan caps and current consumption.
func (s *SQLiteStore) GetTariffUsage(ctx context.Context, userID int64) (*TariffUsage, error) {
	tariff, err := s.GetUserTariff(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &TariffUsage{}, nil
	}
	if err != nil {
		return nil, err
	}

	plan, err := s.GetTariffPlan(ctx, tariff.TariffPlanID)
	if err != nil {
		return nil, err
	}
	projects, err := s.CountActiveProjects(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &TariffUsage{
		HasTariff:          tariff.IsActive,
		PlanID:             plan.ID,
		PlanName:           plan.Name,
		MaxProjects:        plan.MaxProjects,
		MaxChatsPerProject: plan.MaxChatsPerProject,
		CurrentProjects:    projects,
		EndDate:            tariff.EndDate,
	}, nil
}

// ListActiveUserTariffs returns every assignment still flagged active,
// including ones whose end date has already passed; the tariff checker
// owns deactivating those.
func (s *SQLiteStore) ListActiveUserTariffs(ctx context.Context) ([]*UserTariff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userTariffColumns+` FROM user_tariffs WHERE is_active = 1 ORDER BY end_date`)
	if err != nil {
		return nil, fmt.Errorf("querying user tariffs: %w", err)
	}
	defer rows.Close()

	var tariffs []*UserTariff
	for rows.Next() {
		t, err := scanUserTariff(rows)
		if err != nil {
			return nil, err
		}
		tariffs = append(tariffs, t)
	}
	return tariffs, rows.Err()
}

// DeactivateUserTariff clears the active flag on a user's assignment.
func (s *SQLiteStore) DeactivateUserTariff(ctx context.Context, userID int64) error {
	return s.execExpectingRow(ctx,
		`UPDATE user_tariffs SET is_active = 0 WHERE user_id = ?`, userID)
}
