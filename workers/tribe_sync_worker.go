package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/utils"

	"gorm.io/gorm"
)

// tribeChangesResponse is the social service's membership feed.
type tribeChangesResponse struct {
	Members []models.RemoteTribeMember `json:"members"`
}

// TribeSyncWorker mirrors tribe membership from the social service into tribe_members.
type TribeSyncWorker struct {
	db           *gorm.DB
	tribes       *services.TribeService
	logger       *slog.Logger
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
}

func NewTribeSyncWorker(db *gorm.DB, tribes *services.TribeService, logger *slog.Logger, baseURL, serviceToken string, interval time.Duration) *TribeSyncWorker {
	return &TribeSyncWorker{
		db:           db,
		tribes:       tribes,
		logger:       logger,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/tribe-members",
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
	}
}

func (w *TribeSyncWorker) Start(ctx context.Context) {
	w.logger.Info("[SYNC] starting tribe membership sync", "every", w.interval)
	go w.run(ctx)
}

func (w *TribeSyncWorker) run(ctx context.Context) {
	// backfill from the beginning of time
	if err := w.SyncOnce(ctx, time.Time{}); err != nil {
		w.logger.Warn("[SYNC] initial tribe sync failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx, w.lastSyncTime(ctx)); err != nil {
				w.logger.Error("[SYNC] tribe sync batch failed", "error", err)
			}
		case <-ctx.Done():
			w.logger.Info("[SYNC] tribe sync stopped")
			return
		}
	}
}

// lastSyncTime is the newest membership change already mirrored.
func (w *TribeSyncWorker) lastSyncTime(ctx context.Context) time.Time {
	var last []time.Time
	err := w.db.WithContext(ctx).Model(&models.TribeMember{}).
		Order("updated_at DESC").Limit(1).Pluck("updated_at", &last).Error
	if err != nil || len(last) == 0 {
		return time.Unix(0, 0)
	}
	return last[0]
}

// SyncOnce fetches membership changes since the given time and applies them.
func (w *TribeSyncWorker) SyncOnce(ctx context.Context, since time.Time) error {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return fmt.Errorf("invalid social service URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("social service request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("social service returned %d: %s", resp.StatusCode, body)
	}

	var out tribeChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode tribe members: %w", err)
	}
	if len(out.Members) == 0 {
		return nil
	}
	if err := w.tribes.SyncMembers(ctx, out.Members); err != nil {
		return err
	}
	w.logger.Info("[SYNC] tribe members synced", "count", len(out.Members))
	return nil
}
