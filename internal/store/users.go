// ABOUTME: User and referral-link persistence for the SQLite store
// ABOUTME: Registration assigns the zero tariff; balances never go negative

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// zeroPlanExpiry is the effectively-infinite entitlement granted with the
// zero plan on first contact.
const zeroPlanExpiry = 36500 * 24 * time.Hour

const userColumns = `id, user_id, username, full_name, balance, is_admin, is_active, COALESCE(referrer_code, ''), created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.UserID, &u.Username, &u.FullName, &u.Balance,
		&u.IsAdmin, &u.IsActive, &u.ReferrerCode, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// GetOrCreateUser registers a user on first contact or refreshes the profile
// fields of a known one. New users receive the zero tariff plan with an
// effectively infinite expiry. An unknown referral code is silently dropped.
// The second return value reports whether the user was created.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, userID int64, username, fullName, referrerCode string) (*User, bool, error) {
	var user *User
	var created bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
		existing, err := scanUser(row)
		if err == nil {
			if existing.Username != username || existing.FullName != fullName {
				if _, err := tx.ExecContext(ctx,
					`UPDATE users SET username = ?, full_name = ? WHERE user_id = ?`,
					username, fullName, userID); err != nil {
					return fmt.Errorf("updating user profile: %w", err)
				}
				existing.Username = username
				existing.FullName = fullName
			}
			user = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		// Validate the referral code; unknown codes are dropped, not fatal.
		refCode := sql.NullString{}
		if referrerCode != "" {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM referral_links WHERE code = ?`, referrerCode).Scan(&exists)
			switch {
			case err == nil:
				refCode = sql.NullString{String: referrerCode, Valid: true}
			case errors.Is(err, sql.ErrNoRows):
				s.logger.Warn("ignoring unknown referral code", "code", referrerCode, "user_id", userID)
			default:
				return fmt.Errorf("checking referral code: %w", err)
			}
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, username, full_name, referrer_code, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			userID, username, fullName, refCode, now)
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading user id: %w", err)
		}

		zeroID, err := ensureZeroPlanTx(ctx, tx, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_tariffs (user_id, tariff_plan_id, start_date, end_date, is_active)
			 VALUES (?, ?, ?, ?, 1)`,
			userID, zeroID, now, now.Add(zeroPlanExpiry)); err != nil {
			return fmt.Errorf("assigning zero tariff: %w", err)
		}

		user = &User{
			ID:           id,
			UserID:       userID,
			Username:     username,
			FullName:     fullName,
			IsActive:     true,
			ReferrerCode: refCode.String,
			CreatedAt:    now,
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("user registered", "user_id", userID, "referrer", user.ReferrerCode)
	}
	return user, created, nil
}

// GetUser returns the user by platform user id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// ListUsers returns every registered user, newest first.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY id DESC`)
}

// ListAdmins returns users with the admin flag set.
func (s *SQLiteStore) ListAdmins(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE is_admin = 1`)
}

func (s *SQLiteStore) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetAdmin toggles the admin flag.
func (s *SQLiteStore) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	return s.updateUserFlag(ctx, userID, "is_admin", isAdmin)
}

// SetUserActive records whether the egress can currently reach the user.
func (s *SQLiteStore) SetUserActive(ctx context.Context, userID int64, isActive bool) error {
	return s.updateUserFlag(ctx, userID, "is_active", isActive)
}

func (s *SQLiteStore) updateUserFlag(ctx context.Context, userID int64, column string, v bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+column+` = ? WHERE user_id = ?`, v, userID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddToBalance credits (positive delta) or debits (negative delta) a user's
// balance and returns the new value. Debits that would go negative fail with
// ErrNegativeBalance and leave the balance unchanged.
func (s *SQLiteStore) AddToBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	var balance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}

		if balance+delta < 0 {
			return ErrNegativeBalance
		}
		balance += delta

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = ? WHERE user_id = ?`, balance, userID); err != nil {
			return fmt.Errorf("updating balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CreateReferralLink registers a new admin-created code.
func (s *SQLiteStore) CreateReferralLink(ctx context.Context, code string) (*ReferralLink, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_links (code, created_at) VALUES (?, ?)`, code, now)
	if err != nil {
		return nil, fmt.Errorf("inserting referral link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading referral link id: %w", err)
	}
	return &ReferralLink{ID: id, Code: code, CreatedAt: now}, nil
}

// GetReferralLink looks up a code.
func (s *SQLiteStore) GetReferralLink(ctx context.Context, code string) (*ReferralLink, error) {
	var l ReferralLink
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, created_at FROM referral_links WHERE code = ?`, code).
		Scan(&l.ID, &l.Code, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning referral link: %w", err)
	}
	return &l, nil
}

// ListReferralLinks returns all codes, newest first.
func (s *SQLiteStore) ListReferralLinks(ctx context.Context) ([]*ReferralLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, created_at FROM referral_links ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying referral links: %w", err)
	}
	defer rows.Close()

	var links []*ReferralLink
	for rows.Next() {
		var l ReferralLink
		if err := rows.Scan(&l.ID, &l.Code, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning referral link: %w", err)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// CountReferralUsers returns how many users registered through a code.
func (s *SQLiteStore) CountReferralUsers(ctx context.Context, code string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE referrer_code = ?`, code).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting referral users: %w", err)
	}
	return n, nil
}

// DeleteReferralLink removes a code. Codes still referenced by users are
// protected by ErrReferralInUse.
func (s *SQLiteStore) DeleteReferralLink(ctx context.Context, code string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE referrer_code = ?`, code).Scan(&n); err != nil {
			return fmt.Errorf("counting referral users: %w", err)
		}
		if n > 0 {
			return ErrReferralInUse
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM referral_links WHERE code = ?`, code)
		if err != nil {
			return fmt.Errorf("deleting referral link: %w", err)
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

// RecordPayment appends one settled credit event to the audit log.
func (s *SQLiteStore) RecordPayment(ctx context.Context, userID, amount int64) (*PaymentHistory, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_history (user_id, amount, created_at) VALUES (?, ?, ?)`,
		userID, amount, now)
	if err != nil {
		return nil, fmt.Errorf("inserting payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading payment id: %w", err)
	}
	return &PaymentHistory{ID: id, UserID: userID, Amount: amount, CreatedAt: now}, nil
}

// ListPayments returns a user's settled payments, newest first.
func (s *SQLiteStore) ListPayments(ctx context.Context, userID int64) ([]*PaymentHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, created_at FROM payment_history
		 WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying payments: %w", err)
	}
	defer rows.Close()

	var payments []*PaymentHistory
	for rows.Next() {
		var p PaymentHistory
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}
