// Package storage - Trade storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trade errors
var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrStatusConflict = errors.New("trade status changed concurrently")
)

// TradeStatus represents the settlement state of a trade.
type TradeStatus string

const (
	TradeStatusCommitted TradeStatus = "COMMITTED" // commitment signed, awaiting selection
	TradeStatusSelected  TradeStatus = "SELECTED"  // router chose this PMM
	TradeStatusSettling  TradeStatus = "SETTLING"  // transfer in flight
	TradeStatusCompleted TradeStatus = "COMPLETED" // settlement submitted
	TradeStatusFailed    TradeStatus = "FAILED"    // not chosen, or unrecoverable
)

// TradeType distinguishes settlement flavors.
type TradeType string

const (
	TradeTypeSwap    TradeType = "SWAP"
	TradeTypeLiquid  TradeType = "LIQUID"
	TradeTypeLending TradeType = "LENDING"
)

// Trade represents a trade in the database.
type Trade struct {
	TradeID string
	Status  TradeStatus

	FromTokenID string
	ToTokenID   string
	FromUser    string
	ToUser      string
	Amount      string

	// Unix seconds. TradeDeadline is the router's settlement deadline;
	// CommitmentDeadline is when our signed commitment expires.
	TradeDeadline      int64
	CommitmentDeadline int64
	ScriptDeadline     int64

	TradeType TradeType
	IsLiquid  bool

	// Decimal string amounts
	CommitmentQuote string
	SettlementQuote string

	// Opaque JSON blob
	Metadata string

	PaymentTxID string
	RetryCount  int

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	CompletedAt *time.Time
}

// CreateTrade creates a new trade in the database.
func (s *Storage) CreateTrade(trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO trades (
			trade_id, status, from_token_id, to_token_id, from_user, to_user,
			amount, trade_deadline, commitment_deadline, script_deadline,
			trade_type, is_liquid,
			commitment_quote, settlement_quote, metadata, retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trade.TradeID, trade.Status, trade.FromTokenID, trade.ToTokenID,
		trade.FromUser, trade.ToUser, trade.Amount,
		trade.TradeDeadline, trade.CommitmentDeadline, trade.ScriptDeadline,
		trade.TradeType, boolToInt(trade.IsLiquid),
		nullString(trade.CommitmentQuote), nullString(trade.SettlementQuote),
		nullString(trade.Metadata), trade.RetryCount,
		trade.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	return nil
}

// ReplaceTrade deletes any existing record for the trade id and inserts a
// fresh one, atomically. Used when a superseding re-quote arrives.
func (s *Storage) ReplaceTrade(trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM trades WHERE trade_id = ?`, trade.TradeID); err != nil {
		return fmt.Errorf("failed to delete superseded trade: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO trades (
			trade_id, status, from_token_id, to_token_id, from_user, to_user,
			amount, trade_deadline, commitment_deadline, script_deadline,
			trade_type, is_liquid,
			commitment_quote, settlement_quote, metadata, retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trade.TradeID, trade.Status, trade.FromTokenID, trade.ToTokenID,
		trade.FromUser, trade.ToUser, trade.Amount,
		trade.TradeDeadline, trade.CommitmentDeadline, trade.ScriptDeadline,
		trade.TradeType, boolToInt(trade.IsLiquid),
		nullString(trade.CommitmentQuote), nullString(trade.SettlementQuote),
		nullString(trade.Metadata), trade.RetryCount,
		trade.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to recreate trade: %w", err)
	}

	return tx.Commit()
}

// GetTrade retrieves a trade by ID.
func (s *Storage) GetTrade(tradeID string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanTrade(s.db.QueryRow(`
		SELECT trade_id, status, from_token_id, to_token_id, from_user, to_user,
			amount, trade_deadline, commitment_deadline, script_deadline,
			trade_type, is_liquid,
			commitment_quote, settlement_quote, metadata, payment_tx_id,
			retry_count, created_at, updated_at, completed_at
		FROM trades WHERE trade_id = ?
	`, tradeID))
}

// ListTradesByStatus returns all trades in the given status.
func (s *Storage) ListTradesByStatus(status TradeStatus) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT trade_id, status, from_token_id, to_token_id, from_user, to_user,
			amount, trade_deadline, commitment_deadline, script_deadline,
			trade_type, is_liquid,
			commitment_quote, settlement_quote, metadata, payment_tx_id,
			retry_count, created_at, updated_at, completed_at
		FROM trades WHERE status = ? ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// UpdateTradeStatus unconditionally moves a trade to the given status.
func (s *Storage) UpdateTradeStatus(tradeID string, status TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE trades SET status = ?, updated_at = ? WHERE trade_id = ?
	`, status, time.Now().Unix(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// UpdateTradeStatusFrom moves a trade to the new status only if it is still
// in the expected one. Returns ErrStatusConflict when another worker got
// there first.
func (s *Storage) UpdateTradeStatusFrom(tradeID string, from, to TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE trades SET status = ?, updated_at = ?
		WHERE trade_id = ? AND status = ?
	`, to, time.Now().Unix(), tradeID, from)
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing trade from a lost race.
		var cur string
		err := s.db.QueryRow(`SELECT status FROM trades WHERE trade_id = ?`, tradeID).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrTradeNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read trade status: %w", err)
		}
		return fmt.Errorf("%w: have %s, want %s", ErrStatusConflict, cur, from)
	}
	return nil
}

// MarkTradeCompleted records the payment transaction and completion time.
func (s *Storage) MarkTradeCompleted(tradeID, paymentTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE trades SET status = ?, payment_tx_id = ?, updated_at = ?, completed_at = ?
		WHERE trade_id = ?
	`, TradeStatusCompleted, paymentTxID, now, now, tradeID)
	if err != nil {
		return fmt.Errorf("failed to complete trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// SetTradeRetryCount persists the settlement retry counter.
func (s *Storage) SetTradeRetryCount(tradeID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE trades SET retry_count = ?, updated_at = ? WHERE trade_id = ?
	`, count, time.Now().Unix(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set retry count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// SetTradeSettlementQuote records the settlement-time quote.
func (s *Storage) SetTradeSettlementQuote(tradeID, quote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE trades SET settlement_quote = ?, updated_at = ? WHERE trade_id = ?
	`, quote, time.Now().Unix(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set settlement quote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// LastCompletedTradeAt returns the most recent completion time across all
// trades, or zero time when none have completed.
func (s *Storage) LastCompletedTradeAt() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(completed_at) FROM trades`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last completion: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var trade Trade
	var isLiquid int
	var createdAt int64
	var updatedAt, completedAt sql.NullInt64
	var commitQuote, settleQuote, metadata, paymentTxID sql.NullString

	err := row.Scan(
		&trade.TradeID, &trade.Status, &trade.FromTokenID, &trade.ToTokenID,
		&trade.FromUser, &trade.ToUser, &trade.Amount,
		&trade.TradeDeadline, &trade.CommitmentDeadline, &trade.ScriptDeadline,
		&trade.TradeType, &isLiquid,
		&commitQuote, &settleQuote, &metadata, &paymentTxID,
		&trade.RetryCount, &createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}

	trade.IsLiquid = isLiquid != 0
	trade.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		trade.UpdatedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		trade.CompletedAt = &t
	}
	trade.CommitmentQuote = commitQuote.String
	trade.SettlementQuote = settleQuote.String
	trade.Metadata = metadata.String
	trade.PaymentTxID = paymentTxID.String

	return &trade, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
