// Package ledger is the local system of record for trades and their exit legs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strade-go/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a trade does not exist or belongs to
	// another account.
	ErrNotFound = errors.New("trade not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the trade's current status.
	ErrInvalidTransition = errors.New("invalid trade status transition")
)

// Ledger persists trades and exit legs with gorm.
type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger over db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// ownedBy restricts a trades query to trades whose credential belongs to accountID.
func ownedBy(accountID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Joins("JOIN credentials ON credentials.id = trades.credential_id AND credentials.deleted_at IS NULL").
			Where("credentials.account_id = ?", accountID)
	}
}

// CreateTrade inserts a trade row.
func (l *Ledger) CreateTrade(ctx context.Context, t *models.Trade) error {
	if err := l.db.WithContext(ctx).Omit("Credential", "ExitLegs").Create(t).Error; err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetTrade loads a trade of accountID with its credential and live exit legs.
func (l *Ledger) GetTrade(ctx context.Context, accountID, id uint) (*models.Trade, error) {
	var t models.Trade
	err := l.db.WithContext(ctx).
		Scopes(ownedBy(accountID)).
		Preload("Credential").
		Preload("ExitLegs", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("trades.id = ?", id).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %d: %w", id, err)
	}
	return &t, nil
}

// ListTrades returns every trade of accountID, newest first.
func (l *Ledger) ListTrades(ctx context.Context, accountID uint) ([]models.Trade, error) {
	var trades []models.Trade
	err := l.db.WithContext(ctx).
		Scopes(ownedBy(accountID)).
		Preload("Credential").
		Preload("ExitLegs", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("trades.id DESC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// PendingTrades returns the trades of accountID whose primary order has not
// been seen filled yet, oldest first.
func (l *Ledger) PendingTrades(ctx context.Context, accountID uint) ([]models.Trade, error) {
	var trades []models.Trade
	err := l.db.WithContext(ctx).
		Scopes(ownedBy(accountID)).
		Preload("Credential").
		Where("trades.status = ? AND trades.filled_at IS NULL", models.TradeStatusPending).
		Order("trades.id").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending trades: %w", err)
	}
	return trades, nil
}

// AddExitLeg inserts one exit leg.
func (l *Ledger) AddExitLeg(ctx context.Context, leg *models.ExitLeg) error {
	if err := l.db.WithContext(ctx).Create(leg).Error; err != nil {
		return fmt.Errorf("failed to insert %s leg: %w", leg.Kind, err)
	}
	return nil
}

// ExitLegs returns the live legs of a trade with the given kind.
func (l *Ledger) ExitLegs(ctx context.Context, tradeID uint, kind models.ExitKind) ([]models.ExitLeg, error) {
	var legs []models.ExitLeg
	err := l.db.WithContext(ctx).
		Where("trade_id = ? AND kind = ?", tradeID, kind).
		Order("id").
		Find(&legs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load %s legs: %w", kind, err)
	}
	return legs, nil
}

// RemoveExitLegs deletes the given legs in one transaction. Removing the
// stop-loss leg also clears the trade's stop-loss price.
func (l *Ledger) RemoveExitLegs(ctx context.Context, tradeID uint, legIDs []uint) error {
	if len(legIDs) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stops int64
		if err := tx.Model(&models.ExitLeg{}).
			Where("trade_id = ? AND id IN ? AND kind = ?", tradeID, legIDs, models.ExitKindStopLoss).
			Count(&stops).Error; err != nil {
			return fmt.Errorf("failed to inspect exit legs: %w", err)
		}
		if err := tx.Where("trade_id = ? AND id IN ?", tradeID, legIDs).Delete(&models.ExitLeg{}).Error; err != nil {
			return fmt.Errorf("failed to delete exit legs: %w", err)
		}
		if stops > 0 {
			if err := tx.Model(&models.Trade{}).Where("id = ?", tradeID).Update("stop_loss_price", nil).Error; err != nil {
				return fmt.Errorf("failed to clear stop-loss price: %w", err)
			}
		}
		return nil
	})
}

// RecordStopLoss inserts a stop-loss leg and mirrors its trigger price onto
// the trade in one transaction.
func (l *Ledger) RecordStopLoss(ctx context.Context, leg *models.ExitLeg) error {
	leg.Kind = models.ExitKindStopLoss
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(leg).Error; err != nil {
			return fmt.Errorf("failed to insert stop_loss leg: %w", err)
		}
		res := tx.Model(&models.Trade{}).Where("id = ?", leg.TradeID).Update("stop_loss_price", leg.TriggerPrice)
		if res.Error != nil {
			return fmt.Errorf("failed to set stop-loss price: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, leg.TradeID)
		}
		return nil
	})
}

// SetComment replaces the free-text comment of a trade.
func (l *Ledger) SetComment(ctx context.Context, tradeID uint, comment string) error {
	res := l.db.WithContext(ctx).Model(&models.Trade{}).Where("id = ?", tradeID).Update("comment", comment)
	if res.Error != nil {
		return fmt.Errorf("failed to update comment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, tradeID)
	}
	return nil
}

// transition moves a trade to status to and applies fields in the same
// statement. The update only matches rows whose current status may precede
// to, so concurrent writers cannot move a trade backwards.
func (l *Ledger) transition(ctx context.Context, tradeID uint, to models.TradeStatus, fields map[string]any) error {
	from := to.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may move to %s", ErrInvalidTransition, to)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = to

	res := l.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status IN ?", tradeID, from).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to move trade %d to %s: %w", tradeID, to, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current models.Trade
	err := l.db.WithContext(ctx).Select("id", "status").First(&current, tradeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, tradeID)
	}
	if err != nil {
		return fmt.Errorf("failed to load trade %d: %w", tradeID, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// MarkFilled records a fill. entryPrice may be nil when the exchange did not
// report an average price.
func (l *Ledger) MarkFilled(ctx context.Context, tradeID uint, at time.Time, entryPrice *float64) error {
	fields := map[string]any{"filled_at": at}
	if entryPrice != nil {
		fields["entry_price"] = *entryPrice
	}
	return l.transition(ctx, tradeID, models.TradeStatusFilled, fields)
}

// MarkPartiallyFilled moves a pending trade to filled for the volume the
// exchange executed before the rest of the order was cancelled.
func (l *Ledger) MarkPartiallyFilled(ctx context.Context, tradeID uint, at time.Time, entryPrice *float64, volume float64) error {
	if volume <= 0 {
		return fmt.Errorf("filled volume must be positive, got %v", volume)
	}
	fields := map[string]any{"filled_at": at, "volume": volume}
	if entryPrice != nil {
		fields["entry_price"] = *entryPrice
	}
	return l.transition(ctx, tradeID, models.TradeStatusFilled, fields)
}

// MarkCancelled moves a pending trade to cancelled.
func (l *Ledger) MarkCancelled(ctx context.Context, tradeID uint) error {
	return l.transition(ctx, tradeID, models.TradeStatusCancelled, nil)
}

// Realized is the outcome of closing a trade.
type Realized struct {
	ExitPrice  float64
	Amount     float64
	Percentage float64
	ClosedAt   time.Time
}

// MarkClosed records the realized P&L and closes a filled trade. The figures
// are written once; a closed trade cannot be closed again.
func (l *Ledger) MarkClosed(ctx context.Context, tradeID uint, r Realized) error {
	return l.transition(ctx, tradeID, models.TradeStatusClosed, map[string]any{
		"exit_price":              r.ExitPrice,
		"realized_pnl_amount":     r.Amount,
		"realized_pnl_percentage": r.Percentage,
		"closed_at":               r.ClosedAt,
	})
}

// DeleteTrade soft-deletes a trade together with its exit legs.
func (l *Ledger) DeleteTrade(ctx context.Context, tradeID uint) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("trade_id = ?", tradeID).Delete(&models.ExitLeg{}).Error; err != nil {
			return fmt.Errorf("failed to delete exit legs: %w", err)
		}
		res := tx.Delete(&models.Trade{}, tradeID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete trade: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, tradeID)
		}
		return nil
	})
}

// DeleteByRemoteOrder soft-deletes the trade of accountID backed by the
// given remote order, if any. An empty exchangeName matches every exchange.
// It reports whether a trade was removed.
func (l *Ledger) DeleteByRemoteOrder(ctx context.Context, accountID uint, exchangeName, remoteOrderID string) (bool, error) {
	var t models.Trade
	q := l.db.WithContext(ctx).
		Scopes(ownedBy(accountID)).
		Where("trades.remote_order_id = ?", remoteOrderID)
	if exchangeName != "" {
		q = q.Where("credentials.exchange = ?", exchangeName)
	}
	err := q.First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up trade for order %s: %w", remoteOrderID, err)
	}
	if err := l.DeleteTrade(ctx, t.ID); err != nil {
		return false, err
	}
	return true, nil
}

// Stats summarizes the closed trades of an account.
type Stats struct {
	TotalTrades  int64   `json:"total_trades"`
	ClosedTrades int64   `json:"closed_trades"`
	Wins         int64   `json:"wins"`
	Losses       int64   `json:"losses"`
	RealizedPnL  float64 `json:"realized_pnl"`
	WinRate      float64 `json:"win_rate"`
}

// Statistics aggregates trade counts and realized P&L for accountID. A
// non-zero since restricts it to trades opened, or closed, at or after since.
func (l *Ledger) Statistics(ctx context.Context, accountID uint, since time.Time) (*Stats, error) {
	var stats Stats
	db := l.db.WithContext(ctx)

	opened := db.Model(&models.Trade{}).Scopes(ownedBy(accountID))
	if !since.IsZero() {
		opened = opened.Where("trades.created_at >= ?", since)
	}
	if err := opened.Count(&stats.TotalTrades).Error; err != nil {
		return nil, fmt.Errorf("failed to count trades: %w", err)
	}

	var row struct {
		Closed int64
		Wins   int64
		Losses int64
		Pnl    float64
	}
	closed := db.Model(&models.Trade{}).Scopes(ownedBy(accountID))
	if !since.IsZero() {
		closed = closed.Where("trades.closed_at >= ?", since)
	}
	err := closed.
		Select(`COUNT(*) AS closed,
			COALESCE(SUM(CASE WHEN trades.realized_pnl_amount > 0 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN trades.realized_pnl_amount < 0 THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(SUM(trades.realized_pnl_amount), 0) AS pnl`).
		Where("trades.status = ?", models.TradeStatusClosed).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate closed trades: %w", err)
	}

	stats.ClosedTrades = row.Closed
	stats.Wins = row.Wins
	stats.Losses = row.Losses
	stats.RealizedPnL = row.Pnl
	if row.Closed > 0 {
		stats.WinRate = float64(row.Wins) / float64(row.Closed) * 100
	}
	return &stats, nil
}
