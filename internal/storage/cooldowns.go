package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradewatch/internal/model"
)

// GetCooldown returns the rejection record for a (symbol, direction)
// pair, or nil when none exists yet
func (s *Store) GetCooldown(ctx context.Context, symbol string, direction model.Direction) (*model.CooldownRecord, error) {
	var rec model.CooldownRecord
	var until sql.NullTime

	err := s.QueryRowContext(ctx, `
		SELECT symbol, direction, rejections, cooldown_until
		FROM alert_cooldowns
		WHERE symbol = $1 AND direction = $2
	`, symbol, direction).Scan(&rec.Symbol, &rec.Direction, &rec.Rejections, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if until.Valid {
		rec.CooldownUntil = &until.Time
	}
	return &rec, nil
}

// InCooldown reports whether the pair is inside an active rejection
// cooldown window
func (s *Store) InCooldown(ctx context.Context, symbol string, direction model.Direction, now time.Time) (bool, error) {
	rec, err := s.GetCooldown(ctx, symbol, direction)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil), nil
}

// RecordRejection increments the rejection counter with an atomic
// upsert and returns the new count. Records are created on first
// rejection and only ever overwritten, never deleted.
func (s *Store) RecordRejection(ctx context.Context, symbol string, direction model.Direction) (int, error) {
	var rejections int
	err := s.QueryRowContext(ctx, `
		INSERT INTO alert_cooldowns (symbol, direction, rejections)
		VALUES ($1, $2, 1)
		ON CONFLICT (symbol, direction)
		DO UPDATE SET rejections = alert_cooldowns.rejections + 1
		RETURNING rejections
	`, symbol, direction).Scan(&rejections)
	return rejections, err
}

// SetCooldown opens a timed block for the pair
func (s *Store) SetCooldown(ctx context.Context, symbol string, direction model.Direction, until time.Time) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO alert_cooldowns (symbol, direction, rejections, cooldown_until)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (symbol, direction)
		DO UPDATE SET cooldown_until = EXCLUDED.cooldown_until
	`, symbol, direction, until)
	return err
}

// ResetRejections zeroes the counter after a confirmation
func (s *Store) ResetRejections(ctx context.Context, symbol string, direction model.Direction) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO alert_cooldowns (symbol, direction, rejections, cooldown_until)
		VALUES ($1, $2, 0, NULL)
		ON CONFLICT (symbol, direction)
		DO UPDATE SET rejections = 0
	`, symbol, direction)
	return err
}
