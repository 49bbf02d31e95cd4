package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/creditledger/internal/model"
)

const cardBody = `{"id":"evt_1","type":"payment.succeeded","data":{"id":"pay_123","reference":"2026101908300012345","amount":4990,"currency":"USD","remark":"cl-7-0123456789abcdef"}}`

func newTestCard(now time.Time) *Card {
	c := NewCard("whsec", 5*time.Minute, "usd")
	c.now = func() time.Time { return now }
	return c
}

func signedCardHeader(secret string, ts time.Time, body string) http.Header {
	unix := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set(CardSignatureHeader, unix+";"+CardSignature([]byte(secret), unix, []byte(body)))
	return h
}

func TestCard_Verify(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	c := newTestCard(now)

	event, err := c.Verify(context.Background(), Request{
		Header:     signedCardHeader("whsec", now.Add(-time.Minute), cardBody),
		Body:       []byte(cardBody),
		ReceivedAt: now,
	})
	require.NoError(t, err)

	assert.Equal(t, model.ProviderCard, event.Provider)
	assert.Equal(t, "pay_123", event.ProviderTradeID)
	assert.Equal(t, "2026101908300012345", event.ExternalReference)
	assert.Equal(t, int64(4990), event.PaidAmountMinor)
	assert.Equal(t, "cl-7-0123456789abcdef", event.Remark)
}

func TestCard_VerifyRejects(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		header  http.Header
		body    string
		wantErr error
	}{
		{
			name:    "no header",
			header:  http.Header{},
			body:    cardBody,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "wrong secret",
			header:  signedCardHeader("other", now, cardBody),
			body:    cardBody,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "stale timestamp",
			header:  signedCardHeader("whsec", now.Add(-10*time.Minute), cardBody),
			body:    cardBody,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "future timestamp",
			header:  signedCardHeader("whsec", now.Add(10*time.Minute), cardBody),
			body:    cardBody,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "body changed",
			header:  signedCardHeader("whsec", now, cardBody),
			body:    `{"id":"evt_1","type":"payment.succeeded","data":{"id":"pay_123","amount":99900,"currency":"usd"}}`,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "refund event",
			header:  signedCardHeader("whsec", now, `{"type":"charge.refunded","data":{"id":"pay_1","amount":100}}`),
			body:    `{"type":"charge.refunded","data":{"id":"pay_1","amount":100}}`,
			wantErr: ErrEventIgnored,
		},
		{
			name:    "foreign currency",
			header:  signedCardHeader("whsec", now, `{"type":"payment.succeeded","data":{"id":"pay_1","amount":100,"currency":"eur"}}`),
			body:    `{"type":"payment.succeeded","data":{"id":"pay_1","amount":100,"currency":"eur"}}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "negative amount",
			header:  signedCardHeader("whsec", now, `{"type":"payment.succeeded","data":{"id":"pay_1","amount":-5,"currency":"usd"}}`),
			body:    `{"type":"payment.succeeded","data":{"id":"pay_1","amount":-5,"currency":"usd"}}`,
			wantErr: ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCard(now)
			_, err := c.Verify(context.Background(), Request{Header: tt.header, Body: []byte(tt.body)})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCard_EmptySecretFailsClosed(t *testing.T) {
	now := time.Now()
	c := NewCard("", 5*time.Minute, "usd")

	_, err := c.Verify(context.Background(), Request{
		Header: signedCardHeader("", now, cardBody),
		Body:   []byte(cardBody),
	})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCard_Responses(t *testing.T) {
	c := NewCard("whsec", time.Minute, "usd")

	rec := httptest.NewRecorder()
	c.WriteSuccess(rec)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	c.WriteFailure(rec, http.StatusUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"received":false,"error":"Unauthorized"}`, rec.Body.String())
}
