package provider

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mmeshcher/creditledger/internal/model"
)

const (
	walletSignType       = "RSA2"
	walletTradeSuccess   = "TRADE_SUCCESS"
	walletTradeFinished  = "TRADE_FINISHED"
	walletSuccessMessage = "success"
	walletFailureMessage = "failure"
)

// Wallet проверяет уведомления в form-encoded формате с подписью RSA2 над отсортированными полями.
type Wallet struct {
	publicKey *rsa.PublicKey
	appID     string
}

// NewWallet создаёт адаптер. publicKey принимается в PEM или в виде base64 DER.
// Если appID не пуст, уведомления для других приложений отклоняются.
func NewWallet(publicKey, appID string) (*Wallet, error) {
	key, err := parseRSAPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Wallet{publicKey: key, appID: appID}, nil
}

func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("wallet public key is empty")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode wallet public key: %w", err)
		}
		der = decoded
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("wallet public key is not RSA")
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse wallet public key: %w", err)
	}
	return key, nil
}

// Provider возвращает имя провайдера.
func (w *Wallet) Provider() model.Provider { return model.ProviderWallet }

// Verify проверяет подпись уведомления и возвращает платёжное событие.
func (w *Wallet) Verify(_ context.Context, req Request) (*model.PaymentEvent, error) {
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if err := w.verifySignature(values); err != nil {
		return nil, err
	}

	if w.appID != "" && values.Get("app_id") != w.appID {
		return nil, fmt.Errorf("%w: unexpected app_id", ErrSignatureInvalid)
	}

	switch status := values.Get("trade_status"); status {
	case walletTradeSuccess, walletTradeFinished:
	default:
		return nil, fmt.Errorf("%w: trade_status %q", ErrEventIgnored, status)
	}

	amount, err := ToMinor(values.Get("total_amount"))
	if err != nil {
		return nil, err
	}

	event := &model.PaymentEvent{
		Provider:          model.ProviderWallet,
		ExternalReference: values.Get("out_trade_no"),
		ProviderTradeID:   values.Get("trade_no"),
		PaidAmountMinor:   amount,
		Remark:            values.Get("passback_params"),
		RawPayload:        req.Body,
		ReceivedAt:        req.ReceivedAt,
	}

	if err := validateEvent(event); err != nil {
		return nil, err
	}

	return event, nil
}

func (w *Wallet) verifySignature(values url.Values) error {
	sign := values.Get("sign")
	if sign == "" {
		return fmt.Errorf("%w: missing sign", ErrSignatureInvalid)
	}
	if st := values.Get("sign_type"); st != "" && st != walletSignType {
		return fmt.Errorf("%w: unsupported sign_type %q", ErrSignatureInvalid, st)
	}

	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return fmt.Errorf("%w: sign is not base64", ErrSignatureInvalid)
	}

	digest := sha256.Sum256([]byte(WalletSignContent(values)))
	if err := rsa.VerifyPKCS1v15(w.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return nil
}

// WalletSignContent собирает подписываемую строку: непустые поля кроме sign и sign_type,
// отсортированные по ключу и соединённые через &.
func WalletSignContent(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "sign" || k == "sign_type" || values.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values.Get(k))
	}
	return b.String()
}

// WriteSuccess отвечает провайдеру строкой success.
func (w *Wallet) WriteSuccess(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(walletSuccessMessage))
}

// WriteFailure отвечает строкой failure, после чего провайдер повторит уведомление.
func (w *Wallet) WriteFailure(rw http.ResponseWriter, status int) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(walletFailureMessage))
}
