package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store wraps the database connection
type Store struct {
	*sql.DB

	cooldownTrackingAvailable bool
	dailyCountAvailable       bool

	logger zerolog.Logger
}

// ConnectionParams holds PostgreSQL connection parameters
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// New creates a new database connection
func New(params ConnectionParams) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		params.Host, params.Port, params.User, params.Password, params.DBName, params.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Check connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	s := &Store{
		DB:     db,
		logger: log.With().Str("component", "storage").Logger(),
	}
	s.probeCapabilities()
	return s, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			ai_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			telegram_chat_id BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS watchlists (
			user_id BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			confidence TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION,
			take_profit DOUBLE PRECISION,
			reasoning TEXT,
			synthetic BOOLEAN NOT NULL DEFAULT FALSE,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL DEFAULT 'open',
			outcome_price DOUBLE PRECISION,
			outcome_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS alert_cooldowns (
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			rejections INTEGER NOT NULL DEFAULT 0,
			cooldown_until TIMESTAMPTZ,
			PRIMARY KEY (symbol, direction)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_alert_counts (
			user_id BIGINT NOT NULL,
			day DATE NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS news (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			headline TEXT NOT NULL,
			summary TEXT,
			published_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user_symbol_type
			ON alerts (user_id, symbol, type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_outcome ON alerts (outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_news_symbol ON news (symbol, published_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

// probeCapabilities resolves once whether the best-effort tables are
// usable. When they are not, the engine runs with cooldown or cap
// enforcement switched off instead of swallowing errors per call.
func (s *Store) probeCapabilities() {
	if _, err := s.Exec(`SELECT 1 FROM alert_cooldowns LIMIT 1`); err == nil {
		s.cooldownTrackingAvailable = true
	} else {
		s.logger.Warn().Err(err).Msg("Cooldown table unusable, cooldown enforcement disabled")
	}

	if _, err := s.Exec(`SELECT 1 FROM daily_alert_counts LIMIT 1`); err == nil {
		s.dailyCountAvailable = true
	} else {
		s.logger.Warn().Err(err).Msg("Daily count table unusable, daily cap disabled")
	}
}

// CooldownTrackingAvailable reports whether rejection cooldowns are enforced
func (s *Store) CooldownTrackingAvailable() bool { return s.cooldownTrackingAvailable }

// DailyCountAvailable reports whether the daily alert cap is enforced
func (s *Store) DailyCountAvailable() bool { return s.dailyCountAvailable }
