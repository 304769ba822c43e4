package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	serviceName    = "bingx"
	serverTimePath = "/openApi/swap/v2/server/time"
	contractsPath  = "/openApi/swap/v2/quote/contracts"
	allOrdersPath  = "/openApi/swap/v2/trade/allOrders"
	apiKeyHeader   = "X-BX-APIKEY"

	codeOK          = 0
	codeRateLimited = 100410
)

// authCodes are the BingX business codes for bad signatures, unknown keys
// and non-whitelisted IPs.
var authCodes = map[int]bool{
	100001: true,
	100413: true,
	100419: true,
}

// RestClientInterface defines the interface for the BingX REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetContracts(ctx context.Context) ([]Contract, error)
	FetchSince(ctx context.Context, cursor models.Cursor) (*FetchResult, error)
}

// RestClient is a client for the BingX perpetual swap REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	logger     *zap.Logger
	limiter    *rate.Limiter
	recvWindow int64
	symbol     string
	pageSize   int
	maxPages   int
	maxRetries int

	initialLookback time.Duration
	maxLookback     time.Duration
	now             func() time.Time
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new BingX REST API client.
func NewRestClient(cfg *config.BingX, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:          client,
		apiKey:          cfg.ApiKey,
		secretKey:       cfg.SecretKey,
		logger:          logger.Named("bingx"),
		limiter:         limiter,
		recvWindow:      cfg.RecvWindow,
		symbol:          cfg.Symbol,
		pageSize:        cfg.PageSize,
		maxPages:        cfg.MaxPages,
		maxRetries:      cfg.MaxRetries,
		initialLookback: cfg.InitialLookback,
		maxLookback:     cfg.MaxLookback,
		now:             time.Now,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery adds timestamp and recvWindow, then appends the signature of
// the key-sorted query string.
func (c *RestClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	}
	query := params.Encode() // Encode sorts by key
	return query + "&signature=" + c.sign(query)
}

// envelope is the wrapper around every BingX response body.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetServerTime fetches the current server time from BingX.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}

	data, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		return c.client.R(), serverTimePath
	})
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("failed to decode server time: %w", err)
	}
	return result.ServerTime, nil
}

// Contract holds the display rules for a perpetual contract.
type Contract struct {
	Symbol            string `json:"symbol"`
	Currency          string `json:"currency"`
	Asset             string `json:"asset"`
	PricePrecision    int32  `json:"pricePrecision"`
	QuantityPrecision int32  `json:"quantityPrecision"`
}

// GetContracts fetches the contract list with per-symbol precision.
func (c *RestClient) GetContracts(ctx context.Context) ([]Contract, error) {
	data, err := c.doRequest(ctx, http.MethodGet, func() (*resty.Request, string) {
		return c.client.R(), contractsPath
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get contracts: %w", err)
	}

	var contracts []Contract
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, fmt.Errorf("failed to decode contracts: %w", err)
	}
	return contracts, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// newReq is called for every attempt so signed requests get a fresh timestamp;
// it returns the request and its URL. The signed query is carried in the URL
// so resty does not re-encode it. doRequest returns the "data" member of a
// successful response.
func (c *RestClient) doRequest(ctx context.Context, method string, newReq func() (*resty.Request, string)) (json.RawMessage, error) {
	var lastErr error

	for i := 0; i <= c.maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		req, target := newReq()
		path := strings.SplitN(target, "?", 2)[0]
		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.SetContext(ctx).Execute(method, target)

		data, reqErr := classifyResponse(resp, err)
		if reqErr == nil {
			return data, nil
		}
		lastErr = reqErr

		if !apperrors.IsRetryable(reqErr) || ctx.Err() != nil {
			return nil, reqErr
		}
		if i == c.maxRetries {
			break
		}

		retryAfter, ok := apperrors.RetryAfterHint(reqErr)
		if !ok {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(reqErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// classifyResponse maps a transport result onto the error taxonomy.
func classifyResponse(resp *resty.Response, err error) (json.RawMessage, error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &apperrors.TransientError{Service: serviceName, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return nil, &apperrors.RateLimitError{Service: serviceName, RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"))}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &apperrors.AuthError{Service: serviceName, StatusCode: status, Err: errors.New(resp.String())}
	case status >= 500:
		return nil, &apperrors.TransientError{Service: serviceName, StatusCode: status, Err: errors.New(resp.Status())}
	case status >= 400:
		return nil, &apperrors.RejectedError{Service: serviceName, StatusCode: status, Body: resp.String()}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &apperrors.TransientError{Service: serviceName, StatusCode: status, Err: fmt.Errorf("undecodable response: %w", err)}
	}
	switch {
	case env.Code == codeOK:
		return env.Data, nil
	case env.Code == codeRateLimited:
		return nil, &apperrors.RateLimitError{Service: serviceName, RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"))}
	case authCodes[env.Code]:
		return nil, &apperrors.AuthError{Service: serviceName, StatusCode: status, Err: fmt.Errorf("code %d: %s", env.Code, env.Msg)}
	default:
		return nil, &apperrors.RejectedError{Service: serviceName, StatusCode: status, Body: fmt.Sprintf("code %d: %s", env.Code, env.Msg)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

// FetchResult is the outcome of one FetchSince call.
type FetchResult struct {
	Events    []models.TradeEvent
	Malformed []*apperrors.MalformedDataError
	Skipped   int // entries that are valid but not executed fills
	Pages     int
}

// FetchSince returns the executed orders after cursor, sorted by
// (OccurredAt, ID). Entries that fail validation are reported in
// FetchResult.Malformed and do not abort the fetch.
func (c *RestClient) FetchSince(ctx context.Context, cursor models.Cursor) (*FetchResult, error) {
	now := c.now()
	start := c.windowStart(cursor, now)
	end := now.UnixMilli()
	result := &FetchResult{}

	for result.Pages < c.maxPages {
		entries, err := c.fetchOrdersPage(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch orders since %s: %w", cursor, err)
		}
		result.Pages++

		pageMax := start
		allBeforeCursor := true
		for _, raw := range entries {
			event, ts, skip, malformed := parseOrder(raw)
			if ts > pageMax {
				pageMax = ts
			}
			if malformed != nil {
				result.Malformed = append(result.Malformed, malformed)
				allBeforeCursor = false
				continue
			}
			if event.Position().After(cursor) {
				allBeforeCursor = false
			}
			if skip {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, event)
		}

		if len(entries) < c.pageSize || allBeforeCursor {
			break
		}
		if pageMax <= start {
			c.logger.Warn("Full page without time progress, stopping pagination",
				zap.Int64("start_time", start), zap.Int("page_size", c.pageSize))
			break
		}
		// The next page starts at the last timestamp seen; the overlap is removed by deduplication.
		start = pageMax
		if result.Pages == c.maxPages {
			c.logger.Warn("Page limit reached, remaining orders will be fetched next cycle",
				zap.Int("max_pages", c.maxPages), zap.Int64("next_start_time", start))
		}
	}

	models.SortEvents(result.Events)
	c.logger.Debug("Fetched orders",
		zap.Stringer("cursor", cursor),
		zap.Int("events", len(result.Events)),
		zap.Int("malformed", len(result.Malformed)),
		zap.Int("skipped", result.Skipped),
		zap.Int("pages", result.Pages),
	)
	return result, nil
}

// windowStart bounds the requested window by the venue's history limit.
func (c *RestClient) windowStart(cursor models.Cursor, now time.Time) int64 {
	if cursor.IsZero() {
		return now.Add(-c.initialLookback).UnixMilli()
	}
	start := cursor.OccurredAt.UnixMilli()
	if c.maxLookback > 0 {
		if oldest := now.Add(-c.maxLookback).UnixMilli(); start < oldest {
			c.logger.Warn("Cursor is older than the venue history window, orders in between cannot be fetched",
				zap.Stringer("cursor", cursor), zap.Duration("max_lookback", c.maxLookback))
			start = oldest
		}
	}
	return start
}

func (c *RestClient) fetchOrdersPage(ctx context.Context, start, end int64) ([]json.RawMessage, error) {
	newReq := func() (*resty.Request, string) {
		params := url.Values{}
		params.Set("startTime", strconv.FormatInt(start, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(c.pageSize))
		if c.symbol != "" {
			params.Set("symbol", c.symbol)
		}
		req := c.client.R().SetHeader(apiKeyHeader, c.apiKey)
		return req, allOrdersPath + "?" + c.signedQuery(params)
	}

	data, err := c.doRequest(ctx, http.MethodGet, newReq)
	if err != nil {
		return nil, err
	}

	var page struct {
		Orders []json.RawMessage `json:"orders"`
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, &apperrors.TransientError{Service: serviceName, Err: fmt.Errorf("undecodable order page: %w", err)}
	}
	return page.Orders, nil
}
