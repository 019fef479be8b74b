package services

import (
	"context"
	"errors"
	"fmt"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletResult is the outcome of a wallet mutation.
type WalletResult struct {
	Success     bool                      `json:"success"`
	Reason      string                    `json:"reason,omitempty"`
	Balance     int64                     `json:"balance"`
	DailyEarned int64                     `json:"daily_earned"`
	Transaction *models.WalletTransaction `json:"transaction,omitempty"`
}

// WalletHistory is one page of ledger rows.
type WalletHistory struct {
	Transactions []models.WalletTransaction `json:"transactions"`
	Page         int                        `json:"page"`
	Size         int                        `json:"size"`
	TotalItems   int64                      `json:"total_items"`
	TotalPages   int                        `json:"total_pages"`
}

type WalletService struct {
	Deps
}

func NewWalletService(deps Deps) *WalletService {
	return &WalletService{Deps: deps}
}

func ensureWalletTx(tx *gorm.DB, userID string) (*models.Wallet, error) {
	w := models.Wallet{UserID: userID}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("ensure wallet %s: %w", userID, err)
	}
	var current models.Wallet
	if err := lockForUpdate(tx).Where("user_id = ?", userID).First(&current).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

// applyTx moves the balance by delta under a CAS guard and appends the ledger row.
func (s *WalletService) applyTx(tx *gorm.DB, w *models.Wallet, delta int64, updates map[string]interface{}, row models.WalletTransaction) (*models.WalletTransaction, error) {
	after := w.Balance + delta
	updates["balance"] = after
	res := tx.Model(&models.Wallet{}).
		Where("id = ? AND balance = ? AND daily_earned = ?", w.ID, w.Balance, w.DailyEarned).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}

	row.UserID = w.UserID
	row.Amount = delta
	row.BalanceBefore = w.Balance
	row.BalanceAfter = after
	if err := tx.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && row.PaymentID != nil {
			return nil, ErrDuplicatePayment
		}
		return nil, err
	}
	w.Balance = after
	return &row, nil
}

// EarnCoins credits coins from activity, subject to the daily earn cap.
func (s *WalletService) EarnCoins(ctx context.Context, userID string, amount int64, reason string) (*WalletResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if amount <= 0 {
		return nil, validationError("amount must be positive, got %d", amount)
	}
	return withConflictRetry(ctx, s.Logger, func() (*WalletResult, error) {
		var res *WalletResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			res, err = s.earnTx(sc, userID, amount, reason)
			return err
		})
		return res, err
	})
}

func (s *WalletService) earnTx(sc *txScope, userID string, amount int64, reason string) (*WalletResult, error) {
	w, err := ensureWalletTx(sc.tx, userID)
	if err != nil {
		return nil, err
	}
	today := utils.LocalDateString(sc.now, userLocation(sc.tx, s.Config, userID))
	dailyEarned := w.DailyEarned
	if w.DailyEarnedDate != today {
		dailyEarned = 0
	}
	if dailyEarned+amount > s.Config.DailyCoinCap {
		return &WalletResult{Success: false, Reason: ReasonCapReached, Balance: w.Balance, DailyEarned: dailyEarned}, nil
	}

	row, err := s.applyTx(sc.tx, w, amount, map[string]interface{}{
		"total_earned":      gorm.Expr("total_earned + ?", amount),
		"daily_earned":      dailyEarned + amount,
		"daily_earned_date": today,
	}, models.WalletTransaction{Type: models.WalletTxEarn, Reason: reason})
	if err != nil {
		return nil, err
	}
	return &WalletResult{Success: true, Balance: w.Balance, DailyEarned: dailyEarned + amount, Transaction: row}, nil
}

// creditTx records an uncapped earn; used by the reward dispatcher.
func (s *WalletService) creditTx(sc *txScope, userID string, amount int64, reason string) error {
	w, err := ensureWalletTx(sc.tx, userID)
	if err != nil {
		return err
	}
	_, err = s.applyTx(sc.tx, w, amount, map[string]interface{}{
		"total_earned": gorm.Expr("total_earned + ?", amount),
	}, models.WalletTransaction{Type: models.WalletTxEarn, Reason: reason})
	return err
}

// SpendCoins debits coins; fails with ErrInsufficientBalance without touching the ledger.
func (s *WalletService) SpendCoins(ctx context.Context, userID string, amount int64, reason string) (*WalletResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if amount <= 0 {
		return nil, validationError("amount must be positive, got %d", amount)
	}
	return withConflictRetry(ctx, s.Logger, func() (*WalletResult, error) {
		var res *WalletResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			res, err = s.spendTx(sc, userID, amount, reason)
			return err
		})
		return res, err
	})
}

func (s *WalletService) spendTx(sc *txScope, userID string, amount int64, reason string) (*WalletResult, error) {
	w, err := ensureWalletTx(sc.tx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance < amount {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, w.Balance, amount)
	}
	row, err := s.applyTx(sc.tx, w, -amount, map[string]interface{}{
		"total_spent": gorm.Expr("total_spent + ?", amount),
	}, models.WalletTransaction{Type: models.WalletTxSpend, Reason: reason})
	if err != nil {
		return nil, err
	}
	return &WalletResult{Success: true, Balance: w.Balance, DailyEarned: w.DailyEarned, Transaction: row}, nil
}

// RefundCoins credits coins back outside the daily cap.
func (s *WalletService) RefundCoins(ctx context.Context, userID string, amount int64, reason string) (*WalletResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if amount <= 0 {
		return nil, validationError("amount must be positive, got %d", amount)
	}
	return withConflictRetry(ctx, s.Logger, func() (*WalletResult, error) {
		var res *WalletResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			w, err := ensureWalletTx(sc.tx, userID)
			if err != nil {
				return err
			}
			row, err := s.applyTx(sc.tx, w, amount, map[string]interface{}{
				"total_earned": gorm.Expr("total_earned + ?", amount),
			}, models.WalletTransaction{Type: models.WalletTxRefund, Reason: reason})
			if err != nil {
				return err
			}
			res = &WalletResult{Success: true, Balance: w.Balance, DailyEarned: w.DailyEarned, Transaction: row}
			return nil
		})
		return res, err
	})
}

// PurchaseCoins credits a coin pack once per payment id.
func (s *WalletService) PurchaseCoins(ctx context.Context, userID, packType, paymentID string) (*WalletResult, error) {
	if userID == "" || paymentID == "" {
		return nil, validationError("user_id and payment_id are required")
	}
	pack, ok := config.CoinPacks[packType]
	if !ok {
		return nil, validationError("unknown pack %q", packType)
	}
	return withConflictRetry(ctx, s.Logger, func() (*WalletResult, error) {
		var res *WalletResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var seen int64
			if err := sc.tx.Model(&models.WalletTransaction{}).Where("payment_id = ?", paymentID).Count(&seen).Error; err != nil {
				return err
			}
			if seen > 0 {
				return ErrDuplicatePayment
			}
			w, err := ensureWalletTx(sc.tx, userID)
			if err != nil {
				return err
			}
			price := pack.Price
			row, err := s.applyTx(sc.tx, w, pack.Coins, map[string]interface{}{
				"total_earned": gorm.Expr("total_earned + ?", pack.Coins),
			}, models.WalletTransaction{
				Type:      models.WalletTxPurchase,
				Reason:    "purchase:" + packType,
				PaymentID: &paymentID,
				PackType:  packType,
				Price:     &price,
			})
			if err != nil {
				return err
			}
			res = &WalletResult{Success: true, Balance: w.Balance, DailyEarned: w.DailyEarned, Transaction: row}
			return nil
		})
		return res, err
	})
}

// GetWallet returns the wallet, creating an empty one if needed.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w *models.Wallet
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		w, err = ensureWalletTx(tx, userID)
		return err
	})
	return w, err
}

// GetHistory returns paginated ledger rows, newest first.
func (s *WalletService) GetHistory(ctx context.Context, userID string, page, size int) (*WalletHistory, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	db := s.DB.WithContext(ctx)

	var total int64
	if err := db.Model(&models.WalletTransaction{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, err
	}
	var rows []models.WalletTransaction
	if err := db.Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return &WalletHistory{
		Transactions: rows,
		Page:         page,
		Size:         size,
		TotalItems:   total,
		TotalPages:   int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// VerifyLedger checks that the ledger sums to the balance.
func (s *WalletService) VerifyLedger(ctx context.Context, userID string) (sum int64, balance int64, ok bool, err error) {
	db := s.DB.WithContext(ctx)
	var w models.Wallet
	if err = db.Where("user_id = ?", userID).Limit(1).Find(&w).Error; err != nil {
		return 0, 0, false, err
	}
	if err = db.Model(&models.WalletTransaction{}).Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
		return 0, 0, false, err
	}
	ok = sum == w.Balance && w.Balance == w.TotalEarned-w.TotalSpent && w.Balance >= 0
	return sum, w.Balance, ok, nil
}
