// Package sponsorapi предоставляет клиент закрытого API провайдера sponsor,
// через который подтверждаются заказы из уведомлений.
package sponsorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с API провайдера.
type Client struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

// Order описывает заказ в ответе API провайдера.
type Order struct {
	OutTradeNo    string `json:"out_trade_no"`
	CustomOrderID string `json:"custom_order_id"`
	Status        string `json:"status"`
	TotalAmount   string `json:"total_amount"`
}

// StatusPaid - статус оплаченного заказа в API провайдера.
const StatusPaid = "paid"

type orderEnvelope struct {
	EC   int    `json:"ec"`
	EM   string `json:"em"`
	Data *Order `json:"data"`
}

// NewClient создаёт HTTP-клиент для обращения к API провайдера по указанному адресу.
func NewClient(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.CheckRetry = retryPolicy
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: rc,
	}
}

// retryPolicy повторяет запрос при сетевых ошибках и 5xx.
// 429 отдаётся вызывающему вместе с Retry-After.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// GetOrder запрашивает заказ по идентификатору транзакции провайдера.
// Возвращает код ответа и, для 429, рекомендуемую паузу из Retry-After.
// Код 404 означает, что провайдер явно не знает заказ; прочие коды ошибок
// в конверте возвращаются как ошибка.
func (c *Client) GetOrder(ctx context.Context, outTradeNo string) (*Order, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("sponsor api client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	endpoint := fmt.Sprintf("%s/api/open/orders/%s", base, url.PathEscape(outTradeNo))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var env orderEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	switch {
	case env.EC == http.StatusNotFound, env.EC == http.StatusOK && env.Data == nil:
		return nil, http.StatusNotFound, 0, nil
	case env.EC != http.StatusOK:
		return nil, resp.StatusCode, 0, fmt.Errorf("provider error %d: %s", env.EC, env.EM)
	}

	return env.Data, resp.StatusCode, 0, nil
}
