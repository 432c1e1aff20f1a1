// Package vendo is the thin adapter over the Vendo ERP HTTP API. Every call
// goes through the shared rate limiter; transient failures (timeouts, 5xx)
// are retried a bounded number of times, everything else surfaces as-is.
package vendo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stockpilot/inventory_backend/ratelimit"
)

const maxRetries = 2

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *ratelimit.Limiter
}

func NewClient(apiKey string, limiter *ratelimit.Limiter) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("VENDO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.vendohub.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("VENDO_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("vendo api key is empty")
	}
	if limiter == nil {
		limiter = ratelimit.NewDefault()
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   limiter,
	}, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return listResponse{}, ctx.Err()
			}
		}

		resp, err := c.getListOnce(ctx, path, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var te *transientError
		if !errors.As(err, &te) {
			return listResponse{}, err
		}
	}
	return listResponse{}, lastErr
}

func (c *Client) getListOnce(ctx context.Context, path string, params url.Values) (listResponse, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return listResponse{}, err
	}
	defer release()

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return listResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return listResponse{}, ctx.Err()
		}
		return listResponse{}, &transientError{err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return listResponse{}, &transientError{fmt.Errorf("vendo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return listResponse{}, fmt.Errorf("vendo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

func decodePage[T any](resp listResponse) ([]T, bool, error) {
	raws := resp.Data
	if len(raws) == 0 {
		raws = resp.Items
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, false, err
		}
		out = append(out, item)
	}
	hasMore := resp.HasMore != nil && *resp.HasMore
	return out, hasMore, nil
}

func (c *Client) FetchProducts(ctx context.Context, page int) ([]Product, bool, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", "100")
	resp, err := c.getList(ctx, "/v1/products", params)
	if err != nil {
		return nil, false, err
	}
	return decodePage[Product](resp)
}

func (c *Client) FetchCategories(ctx context.Context, page int) ([]Category, bool, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", "100")
	resp, err := c.getList(ctx, "/v1/categories", params)
	if err != nil {
		return nil, false, err
	}
	return decodePage[Category](resp)
}

func (c *Client) FetchStockBalances(ctx context.Context, externalIds []string) ([]StockBalance, error) {
	params := url.Values{}
	params.Set("product_ids", strings.Join(externalIds, ","))
	resp, err := c.getList(ctx, "/v1/stock-balances", params)
	if err != nil {
		return nil, err
	}
	balances, _, err := decodePage[StockBalance](resp)
	return balances, err
}

func (c *Client) FetchSalesIDsInRange(ctx context.Context, start, end time.Time, page int) ([]SaleRef, bool, error) {
	params := url.Values{}
	params.Set("start_date", start.UTC().Format("2006-01-02"))
	params.Set("end_date", end.UTC().Format("2006-01-02"))
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", "100")
	resp, err := c.getList(ctx, "/v1/sales", params)
	if err != nil {
		return nil, false, err
	}
	return decodePage[SaleRef](resp)
}

func (c *Client) FetchSaleDetail(ctx context.Context, saleId string) (*Sale, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sale, err := c.fetchSaleDetailOnce(ctx, saleId)
		if err == nil {
			return sale, nil
		}
		lastErr = err

		var te *transientError
		if !errors.As(err, &te) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) fetchSaleDetailOnce(ctx context.Context, saleId string) (*Sale, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	endpoint := c.baseURL + "/v1/sales/" + url.PathEscape(saleId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &transientError{fmt.Errorf("vendo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vendo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sale Sale
	if err := json.Unmarshal(body, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}
