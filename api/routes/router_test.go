package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	"github.com/angelmondragon/affiliate-ledger/internal/links"
	pkgAuth "github.com/angelmondragon/affiliate-ledger/pkg/auth"
	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

type fakeRedis struct {
	data   map[string]string
	counts map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, counts: map[string]int64{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeRedis) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (f *fakeRedis) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	f.counts[scope]++
	return f.counts[scope] <= limit, f.counts[scope], nil
}

func (f *fakeRedis) Ping(context.Context) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "dev", CORSOrigins: []string{"https://admin.example.com"}},
		JWT: config.JWTConfig{Secret: "router-secret", Issuer: "affiliate-ledger", ExpirationMinutes: 5},
		Affiliate: config.AffiliateConfig{
			DedupWindow:            30 * time.Second,
			DefaultAttributionDays: 30,
			ClickRateLimit:         2,
			ClickRateLimitWindow:   time.Minute,
			IdempotencyTTL:         time.Hour,
		},
	}
}

type testRouter struct {
	handler http.Handler
	cfg     *config.Config
}

func newTestRouter(t *testing.T, dbPinger stubPinger) *testRouter {
	t.Helper()
	cfg := testConfig()
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	client := dbtest.Open(t)
	linkRepo := links.NewRepository(client.DB())

	linkService, err := links.NewService(links.ServiceParams{
		Repository: linkRepo,
		DB:         client,
		Outbox:     outbox.NewService(outbox.NewRepository(client.DB()), logg),
		Logger:     logg,
	})
	require.NoError(t, err)
	clickService, err := clicks.NewService(clicks.ServiceParams{
		Repository:        clicks.NewRepository(client.DB()),
		Links:             linkRepo,
		DB:                client,
		Logger:            logg,
		DedupWindow:       cfg.Affiliate.DedupWindow,
		AttributionWindow: cfg.Affiliate.DefaultAttributionWindow(),
	})
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	handler := NewRouter(cfg, logg, dbPinger, newFakeRedis(), metrics, Services{
		Links:  linkService,
		Clicks: clickService,
	})
	return &testRouter{handler: handler, cfg: cfg}
}

func (tr *testRouter) token(t *testing.T, role enums.ActorRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(tr.cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{Subject: "ops-" + string(role), Role: role})
	require.NoError(t, err)
	return token
}

func (tr *testRouter) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	tr.handler.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env.Error.Code
}

func TestHealthRoutes(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})

	resp := tr.do(http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "dev", resp.Header().Get("X-Affiliate-Env"))
	require.NotEmpty(t, resp.Header().Get("X-Request-Id"))

	resp = tr.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func TestHealthReadyReportsDependencyFailure(t *testing.T) {
	tr := newTestRouter(t, stubPinger{err: context.DeadlineExceeded})

	resp := tr.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Equal(t, string(pkgerrors.CodeDependency), errorCode(t, resp))
}

func TestMetricsRoute(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})

	resp := tr.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "# metrics")
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})

	resp := tr.do(http.MethodGet, "/api/v1/admin/links", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = tr.do(http.MethodGet, "/api/v1/admin/links", "", map[string]string{
		"Authorization": "Bearer " + tr.token(t, enums.ActorRoleService),
	})
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = tr.do(http.MethodGet, "/api/v1/admin/links", "", map[string]string{
		"Authorization": "Bearer " + tr.token(t, enums.ActorRoleAdmin),
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func TestInternalRoutesRequireServiceToken(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})

	resp := tr.do(http.MethodPost, "/api/v1/internal/purchases", `{}`, map[string]string{
		"Authorization": "Bearer " + tr.token(t, enums.ActorRoleAdmin),
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestAdminWritesRequireIdempotencyKey(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})
	auth := "Bearer " + tr.token(t, enums.ActorRoleAdmin)
	body := `{"code":"ROUTER1","name":"Router","commission_type":"fixed","commission_value":"5"}`

	resp := tr.do(http.MethodPost, "/api/v1/admin/links", body, map[string]string{"Authorization": auth})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	headers := map[string]string{"Authorization": auth, "Idempotency-Key": "create-router-1"}
	first := tr.do(http.MethodPost, "/api/v1/admin/links", body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := tr.do(http.MethodPost, "/api/v1/admin/links", body, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())
}

func TestTrackClickEndToEndWithRateLimit(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})
	created := tr.do(http.MethodPost, "/api/v1/admin/links", `{"code":"CLICKME","name":"Clicks","commission_type":"fixed","commission_value":"5"}`, map[string]string{
		"Authorization":   "Bearer " + tr.token(t, enums.ActorRoleAdmin),
		"Idempotency-Key": "create-clickme",
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	click := func(fingerprint string) *httptest.ResponseRecorder {
		return tr.do(http.MethodPost, "/api/v1/track/clicks", `{"code":"clickme"}`, map[string]string{
			"X-Visitor-Fingerprint": fingerprint,
			"X-Forwarded-For":       "203.0.113.7",
		})
	}

	require.Equal(t, http.StatusCreated, click("fp-1").Code)
	require.Equal(t, http.StatusOK, click("fp-1").Code, "second click inside the window is deduplicated")

	blocked := click("fp-2")
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	require.Equal(t, string(pkgerrors.CodeRateLimit), errorCode(t, blocked))
}

func TestCORSPreflight(t *testing.T) {
	tr := newTestRouter(t, stubPinger{})

	resp := tr.do(http.MethodOptions, "/api/v1/track/clicks", "", map[string]string{
		"Origin":                         "https://admin.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Content-Type, X-Visitor-Fingerprint",
	})
	require.Equal(t, "https://admin.example.com", resp.Header().Get("Access-Control-Allow-Origin"))

	resp = tr.do(http.MethodOptions, "/api/v1/track/clicks", "", map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	require.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
}
