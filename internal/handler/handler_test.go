package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/provider"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/service"
)

const (
	testSessionSecret  = "test-secret"
	testInternalSecret = "internal-secret"
	testCardSecret     = "whsec_test"
	testReference      = "20261001120000123454"
)

type stubService struct {
	processResult *service.ProcessResult
	processErr    error
	processCalls  int

	purchase    *service.Purchase
	purchaseErr error
	gotUserID   int64
	gotProvider model.Provider
	gotPackage  string

	cancelErr error

	balance    int64
	balanceErr error

	prices []model.PricePoint

	retry    *service.RetryReport
	retryErr error

	expire    *service.ExpireReport
	expireErr error

	health    *service.HealthReport
	healthErr error
	pingErr   error

	unmatched    []model.Order
	unmatchedErr error
	gotLimit     int
}

func (s *stubService) ProcessEvent(ctx context.Context, e *model.PaymentEvent) (*service.ProcessResult, error) {
	s.processCalls++
	return s.processResult, s.processErr
}

func (s *stubService) CreatePurchase(ctx context.Context, userID int64, p model.Provider, packageID string) (*service.Purchase, error) {
	s.gotUserID, s.gotProvider, s.gotPackage = userID, p, packageID
	return s.purchase, s.purchaseErr
}

func (s *stubService) PurchaseStatus(ctx context.Context, userID int64, ref string) (*service.Purchase, error) {
	s.gotUserID = userID
	return s.purchase, s.purchaseErr
}

func (s *stubService) CancelPurchase(ctx context.Context, userID int64, ref string) error {
	return s.cancelErr
}

func (s *stubService) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) PriceTable(p model.Provider) []model.PricePoint {
	return s.prices
}

func (s *stubService) RunRetry(ctx context.Context) (*service.RetryReport, error) {
	return s.retry, s.retryErr
}

func (s *stubService) RunExpire(ctx context.Context) (*service.ExpireReport, error) {
	return s.expire, s.expireErr
}

func (s *stubService) Snapshot(ctx context.Context) (*service.HealthReport, error) {
	return s.health, s.healthErr
}

func (s *stubService) ListUnmatched(ctx context.Context, limit int) ([]model.Order, error) {
	s.gotLimit = limit
	return s.unmatched, s.unmatchedErr
}

func (s *stubService) Ping(ctx context.Context) error {
	return s.pingErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(testSessionSecret)
	adapters := provider.NewRegistry(provider.NewCard(testCardSecret, 5*time.Minute, "usd"))

	return NewHandler(svc, adapters, logger, auth, testInternalSecret)
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func userRequest(method, target string, body []byte, userID int64) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+middleware.NewAuthMiddleware(testSessionSecret).Token(userID))
	return req
}

func internalRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testInternalSecret)
	return req
}

func TestCreatePurchase_Success(t *testing.T) {
	svc := &stubService{
		purchase: &service.Purchase{Reference: testReference, AmountMinor: 4990, Credits: 350, Status: service.ClientStatusPending},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(purchaseRequest{Provider: "wallet", Package: "pack_350"})
	rec := serve(h, userRequest(http.MethodPost, "/api/purchases", body, 42))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(42), svc.gotUserID)
	assert.Equal(t, model.ProviderWallet, svc.gotProvider)
	assert.Equal(t, "pack_350", svc.gotPackage)

	var got service.Purchase
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, testReference, got.Reference)
	assert.Equal(t, int64(350), got.Credits)
}

func TestCreatePurchase_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		auth   bool
		status int
	}{
		{name: "no session", body: `{"provider":"wallet","package":"pack_350"}`, status: http.StatusUnauthorized},
		{name: "bad json", body: `{`, auth: true, status: http.StatusBadRequest},
		{name: "unknown provider", body: `{"provider":"paypal","package":"pack_350"}`, auth: true, status: http.StatusBadRequest},
		{name: "missing package", body: `{"provider":"wallet"}`, auth: true, status: http.StatusBadRequest},
		{name: "unknown package", body: `{"provider":"wallet","package":"pack_1"}`, err: service.ErrUnknownPackage, auth: true, status: http.StatusUnprocessableEntity},
		{name: "store error", body: `{"provider":"wallet","package":"pack_350"}`, err: service.ErrTransientStore, auth: true, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{purchaseErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/purchases", bytes.NewReader([]byte(tt.body)))
			if tt.auth {
				req = userRequest(http.MethodPost, "/api/purchases", []byte(tt.body), 1)
			}

			rec := serve(h, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestGetPurchase(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		err    error
		status int
	}{
		{name: "found", ref: testReference, status: http.StatusOK},
		{name: "bad check digit", ref: "20261001120000123456", status: http.StatusUnprocessableEntity},
		{name: "not digits", ref: "abc", status: http.StatusUnprocessableEntity},
		{name: "not found", ref: testReference, err: repository.ErrOrderNotFound, status: http.StatusNotFound},
		{name: "store error", ref: testReference, err: service.ErrTransientStore, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				purchase:    &service.Purchase{Reference: tt.ref, Status: service.ClientStatusCredited},
				purchaseErr: tt.err,
			}
			h := newTestHandler(t, svc)

			rec := serve(h, userRequest(http.MethodGet, "/api/purchases/"+tt.ref, nil, 9))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCancelPurchase(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "cancelled", status: http.StatusNoContent},
		{name: "already paid", err: service.ErrNotCancellable, status: http.StatusConflict},
		{name: "not found", err: repository.ErrOrderNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{cancelErr: tt.err})

			rec := serve(h, userRequest(http.MethodPost, "/api/purchases/"+testReference+"/cancel", nil, 9))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestGetBalance(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: 470})

	rec := serve(h, userRequest(http.MethodGet, "/api/balance", nil, 3))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"balance":470}`, rec.Body.String())
}

func TestListPackages(t *testing.T) {
	svc := &stubService{prices: []model.PricePoint{
		{Provider: model.ProviderCard, PackageID: "pack_120", AmountMinor: 1990, Credits: 120},
	}}
	h := newTestHandler(t, svc)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/packages?provider=card", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"provider":"card","package":"pack_120","amount_minor":1990,"credits":120}]`, rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/packages?provider=paypal", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_CompressesJSON(t *testing.T) {
	svc := &stubService{prices: []model.PricePoint{
		{Provider: model.ProviderCard, PackageID: "pack_120", AmountMinor: 1990, Credits: 120},
	}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/packages?provider=card", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer zr.Close()

	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"provider":"card","package":"pack_120","amount_minor":1990,"credits":120}]`, string(body))
}

func TestInternalRoutes_RequireSecret(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	routes := []struct{ method, path string }{
		{http.MethodPost, "/internal/sessions"},
		{http.MethodPost, "/internal/recovery/retry"},
		{http.MethodPost, "/internal/recovery/expire"},
		{http.MethodGet, "/internal/health"},
		{http.MethodGet, "/internal/orders/unmatched"},
	}

	for _, rt := range routes {
		rec := serve(h, httptest.NewRequest(rt.method, rt.path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, rt.path)
	}
}

func TestIssueSession(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: 5})

	rec := serve(h, internalRequest(http.MethodPost, "/internal/sessions", []byte(`{"user_id":77}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, rec.Result().Cookies())

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, internalRequest(http.MethodPost, "/internal/sessions", []byte(`{"user_id":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryEndpoints(t *testing.T) {
	svc := &stubService{
		retry:  &service.RetryReport{Scanned: 3, Credited: 2, Skipped: 1},
		expire: &service.ExpireReport{Expired: 1, IDs: []string{"a"}},
	}
	h := newTestHandler(t, svc)

	rec := serve(h, internalRequest(http.MethodPost, "/internal/recovery/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scanned":3,"credited":2,"skipped":1,"failed":0}`, rec.Body.String())

	rec = serve(h, internalRequest(http.MethodPost, "/internal/recovery/expire", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":1,"ids":["a"]}`, rec.Body.String())

	svc.retryErr = service.ErrTransientStore
	rec = serve(h, internalRequest(http.MethodPost, "/internal/recovery/retry", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	svc := &stubService{health: &service.HealthReport{SuccessRate: 1, Alerts: []string{}}}
	h := newTestHandler(t, svc)

	rec := serve(h, internalRequest(http.MethodGet, "/internal/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got service.HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 1.0, got.SuccessRate)

	svc.pingErr = service.ErrTransientStore
	rec = serve(h, internalRequest(http.MethodGet, "/internal/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListUnmatched(t *testing.T) {
	svc := &stubService{unmatched: []model.Order{{
		ID:                "id-1",
		ExternalReference: model.UnmatchedPrefix + "T-1",
		ProviderTradeID:   "T-1",
		Provider:          model.ProviderCard,
		Status:            model.OrderStatusFailed,
		AmountMinor:       777,
		Metadata:          model.Metadata{model.MetaReason: model.ReasonNoMatch},
	}}}
	h := newTestHandler(t, svc)

	rec := serve(h, internalRequest(http.MethodGet, "/internal/orders/unmatched?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.gotLimit)

	var got []orderView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "T-1", got[0].TradeID)
	assert.Equal(t, model.ReasonNoMatch, got[0].Metadata[model.MetaReason])

	rec = serve(h, internalRequest(http.MethodGet, "/internal/orders/unmatched?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
