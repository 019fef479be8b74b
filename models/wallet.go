package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet holds a user's coin balance. balance = total_earned - total_spent at all times.
type Wallet struct {
	ID              string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance         int64  `gorm:"not null;default:0" json:"balance"`
	TotalEarned     int64  `gorm:"not null;default:0" json:"total_earned"`
	TotalSpent      int64  `gorm:"not null;default:0" json:"total_spent"`
	DailyEarned     int64  `gorm:"not null;default:0" json:"daily_earned"`
	DailyEarnedDate string `gorm:"size:10" json:"daily_earned_date"` // local YYYY-MM-DD
	Timestamps
}

func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

type WalletTransactionType string

const (
	WalletTxEarn     WalletTransactionType = "earn"
	WalletTxSpend    WalletTransactionType = "spend"
	WalletTxPurchase WalletTransactionType = "purchase"
	WalletTxRefund   WalletTransactionType = "refund"
)

// WalletTransaction is an immutable ledger row. Amount is negative for spends.
type WalletTransaction struct {
	ID            string                `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string                `gorm:"index:idx_wallet_tx_user_created;not null" json:"user_id"`
	Type          WalletTransactionType `gorm:"size:16;not null" json:"type"`
	Amount        int64                 `gorm:"not null" json:"amount"`
	Reason        string                `gorm:"size:128" json:"reason"`
	BalanceBefore int64                 `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64                 `gorm:"not null" json:"balance_after"`
	PaymentID     *string               `gorm:"uniqueIndex;size:128" json:"payment_id,omitempty"`
	PackType      string                `gorm:"size:32" json:"pack_type,omitempty"`
	Price         *decimal.Decimal      `gorm:"type:decimal(10,2)" json:"price,omitempty"`
	CreatedAt     time.Time             `gorm:"index:idx_wallet_tx_user_created" json:"created_at"`
}

func (t *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// RemotePurchase mirrors a completed coin-pack purchase as reported by the payments service.
type RemotePurchase struct {
	PaymentID   string    `json:"payment_id"`
	UserID      string    `json:"user_id"`
	PackType    string    `json:"pack_type"`
	CompletedAt time.Time `json:"completed_at"`
}
