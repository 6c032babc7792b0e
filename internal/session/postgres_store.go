package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists session data in PostgreSQL. The
// one-active-per-wallet invariant is enforced by a partial unique
// index on (wallet_address) WHERE status = 'active'.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	deposit, err := json.Marshal(s.Deposit)
	if err != nil {
		return fmt.Errorf("session: marshaling deposit: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, token, wallet_address, deposit_authorization, deposit_cents,
			total_cost_cents, status, created_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Token, strings.ToLower(s.WalletAddress), deposit, s.DepositCents,
		s.TotalCostCents, string(s.Status), s.CreatedAt, s.LastActivityAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" &&
		pqErr.Constraint == "idx_sessions_one_active_per_wallet" {
		return ErrActiveSessionExists
	}
	return err
}

func (p *PostgresStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, token, wallet_address, deposit_authorization, deposit_cents,
		       total_cost_cents, status, created_at, last_activity_at,
		       closed_at, settlement_tx
		FROM sessions WHERE token = $1`, token)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadUsage(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) GetActiveByWallet(ctx context.Context, wallet string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, token, wallet_address, deposit_authorization, deposit_cents,
		       total_cost_cents, status, created_at, last_activity_at,
		       closed_at, settlement_tx
		FROM sessions
		WHERE wallet_address = $1 AND status = 'active'`, strings.ToLower(wallet))

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadUsage(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			total_cost_cents = $1, status = $2, last_activity_at = $3,
			closed_at = $4, settlement_tx = $5
		WHERE token = $6`,
		s.TotalCostCents, string(s.Status), s.LastActivityAt,
		nullTime(s.ClosedAt), nullString(s.SettlementTx),
		s.Token,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) AppendUsage(ctx context.Context, sessionID string, e UsageEntry, newTotal int64, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_usage (session_id, model, cost_cents, escalation_reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, e.Model, e.CostCents, e.EscalationReason, e.Timestamp,
	); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET total_cost_cents = $1, last_activity_at = $2
		WHERE id = $3`,
		newTotal, at, sessionID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	return tx.Commit()
}

func (p *PostgresStore) ListIdle(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, token, wallet_address, deposit_authorization, deposit_cents,
		       total_cost_cents, status, created_at, last_activity_at,
		       closed_at, settlement_tx
		FROM sessions
		WHERE status = 'active' AND last_activity_at < $1
		LIMIT $2`, idleSince, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE status = 'active'`).Scan(&count)
	return count, err
}

func (p *PostgresStore) loadUsage(ctx context.Context, s *Session) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model, cost_cents, escalation_reason, recorded_at
		FROM session_usage
		WHERE session_id = $1
		ORDER BY recorded_at ASC`, s.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e UsageEntry
		if err := rows.Scan(&e.Model, &e.CostCents, &e.EscalationReason, &e.Timestamp); err != nil {
			return err
		}
		s.Usage = append(s.Usage, e)
	}
	return rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		deposit      []byte
		status       string
		closedAt     sql.NullTime
		settlementTx sql.NullString
	)

	err := sc.Scan(
		&s.ID, &s.Token, &s.WalletAddress, &deposit, &s.DepositCents,
		&s.TotalCostCents, &status, &s.CreatedAt, &s.LastActivityAt,
		&closedAt, &settlementTx,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.SettlementTx = settlementTx.String
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	if len(deposit) > 0 {
		if err := json.Unmarshal(deposit, &s.Deposit); err != nil {
			return nil, fmt.Errorf("session: unmarshaling deposit: %w", err)
		}
	}

	return s, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
