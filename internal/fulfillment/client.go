// Package fulfillment предоставляет клиент для внешней системы отчётности о выполнении заказов.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с системой отчётности о выполнении.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// ContentReport описывает одну единицу размещённого контента в отчёте.
type ContentReport struct {
	ExternalID   string    `json:"external_id"`
	Approved     bool      `json:"approved"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DailyReport описывает фактический дневной объём в отчёте.
type DailyReport struct {
	Date        string `json:"date"`
	ActualCount int    `json:"actual_count"`
}

// OrderReport описывает отчёт системы выполнения по одному заказу.
type OrderReport struct {
	Number  string          `json:"number"`
	Content []ContentReport `json:"content,omitempty"`
	Daily   []DailyReport   `json:"daily,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к системе отчётности по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	// 429 обрабатывается вызывающей стороной по Retry-After, а не ретраями клиента.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// GetOrderReport запрашивает отчёт о выполнении для указанного заказа.
// Возвращает отчёт, HTTP-статус и задержку из Retry-After при статусе 429.
func (c *Client) GetOrderReport(ctx context.Context, productType model.ProductType, number string) (*OrderReport, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("fulfillment client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/reports/%s/%s", base, productType, number)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

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

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result OrderReport
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
