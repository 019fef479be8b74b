package services

import (
	"context"
	"fmt"

	"progression-engine/models"
)

// DispatchResult is the outcome of one payout.
type DispatchResult struct {
	Key       string              `json:"key"`
	Duplicate bool                `json:"duplicate"`
	Bundle    models.RewardBundle `json:"bundle"`
	XP        *XPResult           `json:"xp,omitempty"`
	Badges    []string            `json:"badges,omitempty"`
}

// RewardDispatcher pays completion bundles: levels, streak milestones, challenges,
// badges and admin grants. Every payout is keyed and applied at most once; a replay
// with the same key is a no-op. Per-activity XP and coins go through the capped
// grant paths instead.
type RewardDispatcher struct {
	Deps
	progression *ProgressionService
	wallet      *WalletService
	tribes      *TribeService
	badges      *BadgeService
}

func NewRewardDispatcher(deps Deps, progression *ProgressionService, wallet *WalletService, tribes *TribeService, badges *BadgeService) *RewardDispatcher {
	return &RewardDispatcher{Deps: deps, progression: progression, wallet: wallet, tribes: tribes, badges: badges}
}

// Dispatch pays bundle to userID once per idempotency key.
func (d *RewardDispatcher) Dispatch(ctx context.Context, userID, idempotencyKey string, source models.RewardSource, bundle models.RewardBundle) (*DispatchResult, error) {
	if userID == "" || idempotencyKey == "" {
		return nil, validationError("user_id and idempotency key are required")
	}
	if bundle.XP < 0 || bundle.Coins < 0 || bundle.ClanPoints < 0 || bundle.Credits < 0 {
		return nil, validationError("reward amounts must not be negative")
	}
	return withConflictRetry(ctx, d.Logger, func() (*DispatchResult, error) {
		var res *DispatchResult
		err := runInTx(ctx, d.Deps, func(sc *txScope) error {
			var err error
			res, err = d.dispatchTx(sc, userID, idempotencyKey, source, bundle)
			return err
		})
		return res, err
	})
}

func (d *RewardDispatcher) dispatchTx(sc *txScope, userID, key string, source models.RewardSource, bundle models.RewardBundle) (*DispatchResult, error) {
	res := &DispatchResult{Key: key, Bundle: bundle}
	if bundle.IsZero() {
		return res, nil
	}

	claimed, err := claimMarker(sc.tx, &models.RewardGrant{
		IdempotencyKey: key,
		UserID:         userID,
		Source:         source,
		Bundle:         bundle,
	}, "idempotency_key")
	if err != nil {
		return nil, fmt.Errorf("claim reward %s: %w", key, err)
	}
	if !claimed {
		res.Duplicate = true
		return res, nil
	}

	if bundle.XP > 0 {
		if res.XP, err = d.progression.addXPTx(sc, userID, bundle.XP, string(source)); err != nil {
			return nil, err
		}
	}
	if bundle.Coins > 0 {
		if err := d.wallet.creditTx(sc, userID, bundle.Coins, "reward:"+string(source)); err != nil {
			return nil, err
		}
	}
	if bundle.ClanPoints > 0 {
		if _, err := d.tribes.addClanPointsTx(sc, userID, bundle.ClanPoints); err != nil {
			return nil, err
		}
	}
	if bundle.Credits > 0 {
		if err := addCreditsTx(sc.tx, userID, bundle.Credits); err != nil {
			return nil, err
		}
	}
	if bundle.Badge != "" {
		awarded, err := d.badges.awardTx(sc.tx, userID, bundle.Badge, key)
		if err != nil {
			return nil, err
		}
		if awarded {
			res.Badges = append(res.Badges, bundle.Badge)
		}
	}

	sc.emit(UserChannel(userID), EventRewardGranted, map[string]any{
		"key": key, "source": source, "bundle": bundle,
	})

	if source != models.RewardSourceBadge {
		pending, err := d.badges.pendingTx(sc.tx, userID)
		if err != nil {
			return nil, err
		}
		for _, code := range pending {
			br, err := d.dispatchTx(sc, userID, BadgeKey(userID, code), models.RewardSourceBadge, models.RewardBundle{Badge: code})
			if err != nil {
				return nil, err
			}
			res.Badges = append(res.Badges, br.Badges...)
		}
	}

	d.Logger.Debug("[REWARD] granted", "user", userID, "key", key, "source", source)
	return res, nil
}

// Grants lists a user's payouts, newest first.
func (d *RewardDispatcher) Grants(ctx context.Context, userID string, limit int) ([]models.RewardGrant, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	var grants []models.RewardGrant
	err := d.DB.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&grants).Error
	return grants, err
}
