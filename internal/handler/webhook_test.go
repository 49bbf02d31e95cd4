package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/model"
	"github.com/mmeshcher/creditledger/internal/provider"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/service"
)

func cardWebhook(t *testing.T, eventType string, amount int64, secret string) *http.Request {
	t.Helper()

	body := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":%q,"data":{"id":"pay_1","reference":%q,"amount":%d,"currency":"usd"}}`,
		eventType, testReference, amount,
	))
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/card", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(provider.CardSignatureHeader, ts+";"+provider.CardSignature([]byte(secret), ts, body))
	return req
}

func decodeCardAck(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var ack map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	return ack
}

func TestWebhook_Credited(t *testing.T) {
	svc := &stubService{processResult: &service.ProcessResult{
		Order:   &model.Order{ID: "order-1", Status: model.OrderStatusCredited},
		Method:  model.MatchMethodRef,
		Outcome: service.OutcomeCredited,
	}}
	h := newTestHandler(t, svc)

	rec := serve(h, cardWebhook(t, "payment.succeeded", 4990, testCardSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeCardAck(t, rec)["received"])
	assert.Equal(t, 1, svc.processCalls)
}

func TestWebhook_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		processErr error
		status     int
		processed  bool
	}{
		{
			name:   "bad signature",
			req:    func(t *testing.T) *http.Request { return cardWebhook(t, "payment.succeeded", 4990, "wrong") },
			status: http.StatusUnauthorized,
		},
		{
			name: "malformed body",
			req: func(t *testing.T) *http.Request {
				body := []byte(`{"type":`)
				ts := strconv.FormatInt(time.Now().Unix(), 10)
				req := httptest.NewRequest(http.MethodPost, "/webhooks/card", bytes.NewReader(body))
				req.Header.Set(provider.CardSignatureHeader, ts+";"+provider.CardSignature([]byte(testCardSecret), ts, body))
				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "ignored event",
			req:    func(t *testing.T) *http.Request { return cardWebhook(t, "payment.refunded", 4990, testCardSecret) },
			status: http.StatusOK,
		},
		{
			name:       "amount mismatch is acknowledged",
			req:        func(t *testing.T) *http.Request { return cardWebhook(t, "payment.succeeded", 1990, testCardSecret) },
			processErr: fmt.Errorf("match: %w", service.ErrAmountMismatch),
			status:     http.StatusOK,
			processed:  true,
		},
		{
			name:       "unmatched is acknowledged",
			req:        func(t *testing.T) *http.Request { return cardWebhook(t, "payment.succeeded", 4990, testCardSecret) },
			processErr: service.ErrUnmatchedEvent,
			status:     http.StatusOK,
			processed:  true,
		},
		{
			name:       "store failure asks for redelivery",
			req:        func(t *testing.T) *http.Request { return cardWebhook(t, "payment.succeeded", 4990, testCardSecret) },
			processErr: fmt.Errorf("apply: %w: %w", service.ErrTransientStore, repository.ErrOrderNotFound),
			status:     http.StatusInternalServerError,
			processed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				processResult: &service.ProcessResult{Order: &model.Order{ID: "order-1"}},
				processErr:    tt.processErr,
			}
			h := newTestHandler(t, svc)

			rec := serve(h, tt.req(t))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.processed {
				assert.Equal(t, 1, svc.processCalls)
			} else {
				assert.Zero(t, svc.processCalls)
			}
		})
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/webhooks/wallet", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
