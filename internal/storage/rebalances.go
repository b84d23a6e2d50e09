// Package storage - Rebalance storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Rebalance errors
var (
	ErrRebalanceNotFound = errors.New("rebalance not found")
)

// RebalanceStatus represents the state of an inventory conversion.
type RebalanceStatus string

const (
	RebalanceStatusPending          RebalanceStatus = "PENDING"
	RebalanceStatusQuoteRequested   RebalanceStatus = "QUOTE_REQUESTED"
	RebalanceStatusQuoteAccepted    RebalanceStatus = "QUOTE_ACCEPTED"
	RebalanceStatusDepositSubmitted RebalanceStatus = "DEPOSIT_SUBMITTED"
	RebalanceStatusSwapProcessing   RebalanceStatus = "SWAP_PROCESSING"
	RebalanceStatusCompleted        RebalanceStatus = "COMPLETED"
	RebalanceStatusRefunded         RebalanceStatus = "REFUNDED"
	RebalanceStatusStuck            RebalanceStatus = "STUCK"
)

// Rebalance represents one inventory conversion in the database.
type Rebalance struct {
	ID     string
	Status RebalanceStatus

	FromNetwork string
	ToNetwork   string

	// AmountSats is the idle balance that triggered the conversion;
	// RealAmount is the portion that remains sendable after the fee reserve
	// and is what gets quoted and deposited.
	AmountSats int64
	RealAmount int64

	// Aggregator quote, and the prices it was judged against.
	QuoteID        string
	QuoteAmount    string // expected destination base units
	ActualAmount   string // settled destination base units, when reported
	DepositAddress string
	OraclePrice    string
	QuotePrice     string
	SlippageBps    int64

	DepositTxID string

	RetryCount int
	LastError  string

	CreatedAt        time.Time
	UpdatedAt        *time.Time
	TradeCompletedAt *time.Time
}

// CreateRebalance creates a new rebalance record.
func (s *Storage) CreateRebalance(r *Rebalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tradeCompleted any
	if r.TradeCompletedAt != nil {
		tradeCompleted = r.TradeCompletedAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO rebalances (
			id, status, from_network, to_network, amount_sats, real_amount,
			retry_count, created_at, trade_completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Status, r.FromNetwork, r.ToNetwork, r.AmountSats, r.RealAmount,
		r.RetryCount, r.CreatedAt.Unix(), tradeCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to create rebalance: %w", err)
	}
	return nil
}

// GetRebalance retrieves a rebalance by ID.
func (s *Storage) GetRebalance(id string) (*Rebalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanRebalance(s.db.QueryRow(`
		SELECT id, status, from_network, to_network, amount_sats, real_amount,
			quote_id, quote_amount, actual_amount, deposit_address,
			oracle_price, quote_price, slippage_bps, deposit_tx_id,
			retry_count, last_error, created_at, updated_at, trade_completed_at
		FROM rebalances WHERE id = ?
	`, id))
}

// ListRebalancesByStatus returns rebalances in the given status, oldest first.
func (s *Storage) ListRebalancesByStatus(status RebalanceStatus) ([]*Rebalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, status, from_network, to_network, amount_sats, real_amount,
			quote_id, quote_amount, actual_amount, deposit_address,
			oracle_price, quote_price, slippage_bps, deposit_tx_id,
			retry_count, last_error, created_at, updated_at, trade_completed_at
		FROM rebalances WHERE status = ? ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalances: %w", err)
	}
	defer rows.Close()

	var out []*Rebalance
	for rows.Next() {
		r, err := scanRebalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveRebalances returns rebalances that are neither terminal nor stuck.
func (s *Storage) ListActiveRebalances() ([]*Rebalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, status, from_network, to_network, amount_sats, real_amount,
			quote_id, quote_amount, actual_amount, deposit_address,
			oracle_price, quote_price, slippage_bps, deposit_tx_id,
			retry_count, last_error, created_at, updated_at, trade_completed_at
		FROM rebalances
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at
	`, RebalanceStatusCompleted, RebalanceStatusRefunded, RebalanceStatusStuck)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rebalances: %w", err)
	}
	defer rows.Close()

	var out []*Rebalance
	for rows.Next() {
		r, err := scanRebalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRebalanceStatus unconditionally moves a rebalance to the given status.
func (s *Storage) UpdateRebalanceStatus(id string, status RebalanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update rebalance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

// UpdateRebalanceStatusFrom moves a rebalance only from the expected status.
func (s *Storage) UpdateRebalanceStatusFrom(id string, from, to RebalanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, time.Now().Unix(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update rebalance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := s.db.QueryRow(`SELECT status FROM rebalances WHERE id = ?`, id).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrRebalanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read rebalance status: %w", err)
		}
		return fmt.Errorf("%w: have %s, want %s", ErrStatusConflict, cur, from)
	}
	return nil
}

// RebalanceQuote is what the quote stage persists once an offer is accepted.
type RebalanceQuote struct {
	QuoteID        string
	QuoteAmount    string
	DepositAddress string
	OraclePrice    string
	QuotePrice     string
	SlippageBps    int64
}

// SetRebalanceQuote records the accepted aggregator quote and the pricing it
// was evaluated against.
func (s *Storage) SetRebalanceQuote(id string, q *RebalanceQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances
		SET quote_id = ?, quote_amount = ?, deposit_address = ?,
			oracle_price = ?, quote_price = ?, slippage_bps = ?, updated_at = ?
		WHERE id = ?
	`, q.QuoteID, q.QuoteAmount, q.DepositAddress,
		q.OraclePrice, q.QuotePrice, q.SlippageBps, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set rebalance quote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

// SetRebalanceError annotates the record with the latest failure or
// rejection reason.
func (s *Storage) SetRebalanceError(id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET last_error = ?, updated_at = ? WHERE id = ?
	`, msg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set rebalance error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

// SetRebalanceActualAmount records the destination amount the aggregator
// settled, when its status endpoint reports one.
func (s *Storage) SetRebalanceActualAmount(id, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET actual_amount = ?, updated_at = ? WHERE id = ?
	`, amount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set rebalance actual amount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

// SetRebalanceDepositTx records the on-chain deposit transaction.
func (s *Storage) SetRebalanceDepositTx(id, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET deposit_tx_id = ?, updated_at = ? WHERE id = ?
	`, txID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set deposit tx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

// SetRebalanceRetryCount persists the quote retry counter.
func (s *Storage) SetRebalanceRetryCount(id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE rebalances SET retry_count = ?, updated_at = ? WHERE id = ?
	`, count, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set rebalance retry count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRebalanceNotFound
	}
	return nil
}

func scanRebalance(row rowScanner) (*Rebalance, error) {
	var r Rebalance
	var createdAt int64
	var updatedAt, tradeCompletedAt, slippageBps sql.NullInt64
	var quoteID, quoteAmount, actualAmount, depositAddr sql.NullString
	var oraclePrice, quotePrice, depositTx, lastError sql.NullString

	err := row.Scan(
		&r.ID, &r.Status, &r.FromNetwork, &r.ToNetwork, &r.AmountSats, &r.RealAmount,
		&quoteID, &quoteAmount, &actualAmount, &depositAddr,
		&oraclePrice, &quotePrice, &slippageBps, &depositTx,
		&r.RetryCount, &lastError, &createdAt, &updatedAt, &tradeCompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRebalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rebalance: %w", err)
	}

	r.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		r.UpdatedAt = &t
	}
	if tradeCompletedAt.Valid {
		t := time.Unix(tradeCompletedAt.Int64, 0)
		r.TradeCompletedAt = &t
	}
	r.QuoteID = quoteID.String
	r.QuoteAmount = quoteAmount.String
	r.ActualAmount = actualAmount.String
	r.DepositAddress = depositAddr.String
	r.OraclePrice = oraclePrice.String
	r.QuotePrice = quotePrice.String
	r.SlippageBps = slippageBps.Int64
	r.DepositTxID = depositTx.String
	r.LastError = lastError.String

	return &r, nil
}
