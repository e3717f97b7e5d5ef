package storage

import (
	"context"
	"database/sql"
	"time"

	"tradewatch/internal/model"
)

// InsertAlert persists a new alert and fills in its ID and timestamps
func (s *Store) InsertAlert(ctx context.Context, alert *model.Alert) error {
	if alert.Outcome == "" {
		alert.Outcome = model.OutcomeOpen
	}

	return s.QueryRowContext(ctx, `
		INSERT INTO alerts (
			user_id, symbol, type, recommendation, confidence,
			price, stop_loss, take_profit, reasoning, synthetic, notified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`,
		alert.UserID, alert.Symbol, alert.Type, alert.Recommendation, alert.Confidence,
		alert.Price, alert.StopLoss, alert.TakeProfit, alert.Reasoning, alert.Synthetic, alert.Notified,
	).Scan(&alert.ID, &alert.CreatedAt)
}

// HasRecentAlert reports whether an alert of the same (user, symbol,
// type) was created after the cutoff. The caller supplies the cutoff so
// the duplicate window follows the engine's clock.
func (s *Store) HasRecentAlert(ctx context.Context, userID int64, symbol string, alertType model.AlertType, since time.Time) (bool, error) {
	var exists bool
	err := s.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE user_id = $1 AND symbol = $2 AND type = $3 AND created_at > $4
		)
	`, userID, symbol, alertType, since).Scan(&exists)
	return exists, err
}

// MarkNotified flips the notified flag after successful push delivery
func (s *Store) MarkNotified(ctx context.Context, alertID int64) error {
	_, err := s.ExecContext(ctx, `UPDATE alerts SET notified = TRUE WHERE id = $1`, alertID)
	return err
}

// OpenAlerts returns every alert still awaiting an outcome, excluding
// stop_loss alerts which are standing notices and never resolve
func (s *Store) OpenAlerts(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, user_id, symbol, type, recommendation, confidence,
		       price, stop_loss, take_profit, synthetic, notified, outcome, created_at
		FROM alerts
		WHERE outcome = 'open' AND type <> 'stop_loss'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var a model.Alert
		var stopLoss, takeProfit sql.NullFloat64
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Symbol, &a.Type, &a.Recommendation, &a.Confidence,
			&a.Price, &stopLoss, &takeProfit, &a.Synthetic, &a.Notified, &a.Outcome, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		if stopLoss.Valid {
			a.StopLoss = &stopLoss.Float64
		}
		if takeProfit.Valid {
			a.TakeProfit = &takeProfit.Float64
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAlert sets the outcome fields exactly once. The outcome guard
// in the WHERE clause makes concurrent evaluator runs converge instead
// of double-writing.
func (s *Store) ResolveAlert(ctx context.Context, alertID int64, outcome model.Outcome, price float64, at time.Time) error {
	_, err := s.ExecContext(ctx, `
		UPDATE alerts
		SET outcome = $1, outcome_price = $2, outcome_date = $3
		WHERE id = $4 AND outcome = 'open'
	`, outcome, price, at, alertID)
	return err
}

// DailyAlertCount returns how many alerts the user has received today
func (s *Store) DailyAlertCount(ctx context.Context, userID int64, day time.Time) (int, error) {
	var count int
	err := s.QueryRowContext(ctx, `
		SELECT count FROM daily_alert_counts WHERE user_id = $1 AND day = $2
	`, userID, day.Format("2006-01-02")).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// IncrementDailyCount bumps today's counter with an atomic upsert so
// concurrent engine runs cannot double-count
func (s *Store) IncrementDailyCount(ctx context.Context, userID int64, day time.Time) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO daily_alert_counts (user_id, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, day)
		DO UPDATE SET count = daily_alert_counts.count + 1
	`, userID, day.Format("2006-01-02"))
	return err
}
