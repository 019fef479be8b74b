package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/utils"
)

// PaymentSyncClient reads completed coin-pack purchases from the payments service.
type PaymentSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewPaymentSyncClient(baseURL, token string) *PaymentSyncClient {
	return &PaymentSyncClient{BaseURL: baseURL, Token: token, HTTPClient: utils.HTTPClient}
}

func (c *PaymentSyncClient) CompletedPurchases(ctx context.Context, since time.Time) ([]models.RemotePurchase, error) {
	u, err := url.Parse(c.BaseURL + "/api/v1/public/purchases")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("status", "completed")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call payments service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("payments service returned status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Purchases []models.RemotePurchase `json:"purchases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode purchases: %w", err)
	}
	return out.Purchases, nil
}

// PollPurchases credits every completed purchase once. A payment already in the ledger is skipped,
// so overlapping windows are harmless.
func PollPurchases(ctx context.Context, client *PaymentSyncClient, wallet *services.WalletService, logger *slog.Logger, interval time.Duration) {
	logger.Info("[PAYMENTS] starting purchase polling", "every", interval)
	lastSync := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("[PAYMENTS] purchase polling stopped")
			return
		case <-ticker.C:
			started := time.Now().UTC()
			if err := ApplyPurchases(ctx, client, wallet, logger, lastSync); err != nil {
				logger.Error("[PAYMENTS] poll failed", "error", err)
				// keep the window; the next tick retries it
				continue
			}
			lastSync = started
		}
	}
}

// ApplyPurchases fetches purchases since the given time and credits the new ones.
func ApplyPurchases(ctx context.Context, client *PaymentSyncClient, wallet *services.WalletService, logger *slog.Logger, since time.Time) error {
	purchases, err := client.CompletedPurchases(ctx, since)
	if err != nil {
		return err
	}
	var credited, duplicates int
	for _, p := range purchases {
		_, err := wallet.PurchaseCoins(ctx, p.UserID, p.PackType, p.PaymentID)
		switch {
		case err == nil:
			credited++
		case errors.Is(err, services.ErrDuplicatePayment):
			duplicates++
		case errors.Is(err, services.ErrValidation):
			logger.Warn("[PAYMENTS] rejected purchase", "payment", p.PaymentID, "error", err)
		default:
			return fmt.Errorf("credit payment %s: %w", p.PaymentID, err)
		}
	}
	if len(purchases) > 0 {
		logger.Info("[PAYMENTS] purchases applied", "received", len(purchases), "credited", credited, "duplicates", duplicates)
	}
	return nil
}
