package storage

import (
	"context"
	"database/sql"

	"tradewatch/internal/model"
)

// ActiveUsers returns every user the global cycle should scan
func (s *Store) ActiveUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, email, ai_enabled, telegram_chat_id FROM users ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.AIEnabled, &u.TelegramChatID); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser fetches one user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	err := s.QueryRowContext(ctx, `
		SELECT id, email, ai_enabled, telegram_chat_id FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Email, &u.AIEnabled, &u.TelegramChatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// WatchlistSymbols returns the user's watched symbols
func (s *Store) WatchlistSymbols(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT symbol FROM watchlists WHERE user_id = $1 ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// OpenPositions returns the user's open positions
func (s *Store) OpenPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, user_id, symbol, quantity, entry_price, stop_loss
		FROM positions WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var stopLoss sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Quantity, &p.EntryPrice, &stopLoss); err != nil {
			return nil, err
		}
		if stopLoss.Valid {
			p.StopLoss = &stopLoss.Float64
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// RecentNews returns the latest stored headlines for a symbol
func (s *Store) RecentNews(ctx context.Context, symbol string, limit int) ([]model.NewsItem, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT symbol, headline, COALESCE(summary, ''), published_at
		FROM news WHERE symbol = $1
		ORDER BY published_at DESC LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.NewsItem
	for rows.Next() {
		var item model.NewsItem
		if err := rows.Scan(&item.Symbol, &item.Headline, &item.Summary, &item.Time); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
