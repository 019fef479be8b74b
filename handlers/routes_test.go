package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/workers"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := services.NewEngine(services.Deps{
		DB:     db,
		Config: config.Defaults(),
		Logger: logger,
		Clock:  fixedClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Badges.SeedCatalog(t.Context()))

	runner := workers.NewJobRunner(db, logger)
	app := fiber.New()
	SetupRoutes(app, RouteDeps{
		Engine:    engine,
		Scheduler: workers.NewScheduler(engine, nil, runner, logger),
		Jobs:      runner,
		Logger:    logger,
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func asUser(id string, roles ...string) map[string]string {
	return map[string]string{"X-User-ID": id, "X-User-Roles": strings.Join(roles, ",")}
}

func TestHealthAndUserContext(t *testing.T) {
	app := newTestApp(t)

	resp, body := doRequest(t, app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = doRequest(t, app, http.MethodGet, "/user/progress", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = doRequest(t, app, http.MethodGet, "/user/progress", "", asUser("u1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["level"])
}

func TestActivityIngressFeedsWallet(t *testing.T) {
	app := newTestApp(t)

	payload := `{"activity_id":"a-1","user_id":"u1","activity_type":"vote","value":1}`
	resp, body := doRequest(t, app, http.MethodPost, "/internal/activities", payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a-1", body["activity_id"])

	resp, body = doRequest(t, app, http.MethodPost, "/internal/activities", payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["skipped"], 5)

	resp, body = doRequest(t, app, http.MethodGet, "/user/wallet", "", asUser("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["balance"])

	resp, _ = doRequest(t, app, http.MethodPost, "/user/wallet/spend", `{"item":"premium_style"}`, asUser("u1"))
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/user/wallet/spend", `{"item":"golden_throne"}`, asUser("u1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/internal/activities", `{"activity_type":"vote"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	app := newTestApp(t)

	resp, _ := doRequest(t, app, http.MethodGet, "/s/admin/jobs", "", asUser("u1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := doRequest(t, app, http.MethodGet, "/s/admin/jobs", "", asUser("ops", "admin"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 5)

	resp, _ = doRequest(t, app, http.MethodPost, "/s/admin/jobs/nope/run", "", asUser("ops", "admin"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	grant := `{"user_id":"u2","xp":120,"idempotency_key":"promo-9"}`
	resp, body = doRequest(t, app, http.MethodPost, "/s/admin/xp/grant", grant, asUser("ops", "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["duplicate"])

	resp, body = doRequest(t, app, http.MethodPost, "/s/admin/xp/grant", grant, asUser("ops", "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	resp, body = doRequest(t, app, http.MethodGet, "/user/progress", "", asUser("u2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 120, body["total_xp"])
	assert.EqualValues(t, 2, body["level"])
}

func TestEventRoutes(t *testing.T) {
	app := newTestApp(t)

	resp, body := doRequest(t, app, http.MethodGet, "/events/current", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body)

	resp, _ = doRequest(t, app, http.MethodGet, "/events/missing/standings", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodGet, "/badges", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
