package dbapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"db2parquet/pkg/metrics"
	"db2parquet/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// BaseURL is the root of the DB API marketplace.
	BaseURL = "https://apis.deutschebahn.com/db-api-marketplace/apis/"
)

// retryStatusCodes are the transient HTTP statuses worth retrying.
var retryStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Config holds the client configuration. Credentials come from the caller
// (typically flags/env in the cmd layer); validation happens at construction,
// never at package load.
type Config struct {
	APIKey        string        `validate:"required"`
	ClientID      string        `validate:"required"`
	MaxConcurrent int           `validate:"gt=0"`
	RatePerMinute int           `validate:"gt=0"`
	MaxRetries    int           `validate:"gte=0"`
	Timeout       time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the fetch limits used by the daily archiver.
func DefaultConfig(apiKey, clientID string) Config {
	return Config{
		APIKey:        apiKey,
		ClientID:      clientID,
		MaxConcurrent: 10,
		RatePerMinute: 1000,
		MaxRetries:    5,
		Timeout:       15 * time.Second,
	}
}

// Stats counts the outcome of a FetchAll run.
type Stats struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	RetriedRequests    int
}

// Client fetches DB API endpoints with bounded concurrency, a global
// requests-per-minute ceiling, and exponential-backoff retries. A request
// that exhausts its retry budget degrades to a recorded failure; it never
// aborts the batch.
type Client struct {
	config     Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	tracer     trace.Tracer

	mu    sync.Mutex
	stats Stats
}

func NewClient(config Config) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid dbapi config: %w", err)
	}

	// HTTP client with OpenTelemetry instrumentation
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   config.Timeout,
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
		limiter:    rate.NewLimiter(rate.Limit(float64(config.RatePerMinute)/60.0), config.MaxConcurrent),
		tracer:     otel.Tracer("dbapi-client"),
	}, nil
}

// FetchAll runs all queries concurrently and returns one RawResponse per
// query, in query order. Failed queries are returned with their status and
// error captured rather than dropped.
func (c *Client) FetchAll(ctx context.Context, queries []Query) ([]types.RawResponse, Stats) {
	ctx, span := c.tracer.Start(ctx, "dbapi.fetch_all",
		trace.WithAttributes(
			attribute.Int("queries", len(queries)),
			attribute.Int("max_concurrent", c.config.MaxConcurrent),
		),
	)
	defer span.End()

	c.mu.Lock()
	c.stats = Stats{TotalRequests: len(queries)}
	c.mu.Unlock()

	results := make([]types.RawResponse, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(idx int, query Query) {
			defer wg.Done()
			results[idx] = c.fetchOne(ctx, query)
		}(i, q)
	}
	wg.Wait()

	stats := c.CollectStats()
	span.SetAttributes(
		attribute.Int("successful", stats.SuccessfulRequests),
		attribute.Int("failed", stats.FailedRequests),
		attribute.Int("retried", stats.RetriedRequests),
	)
	return results, stats
}

// CollectStats returns the counters of the most recent FetchAll.
func (c *Client) CollectStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) fetchOne(ctx context.Context, query Query) types.RawResponse {
	url := query.FullURL()
	ctx, span := c.tracer.Start(ctx, "dbapi.fetch_one",
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("api.name", ExtractAPIName(url)),
		),
	)
	defer span.End()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.mu.Lock()
		c.stats.FailedRequests++
		c.mu.Unlock()
		return c.failedResponse(query, nil, err)
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		c.mu.Lock()
		c.stats.FailedRequests++
		c.mu.Unlock()
		return c.failedResponse(query, nil, err)
	}

	if metrics.IsEnabled() {
		metrics.FetchRequestsInFlight.Add(ctx, 1)
		defer metrics.FetchRequestsInFlight.Add(ctx, -1)
	}

	start := time.Now()
	body, statusCode, err := c.fetchWithRetry(ctx, url)
	durationMS := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		span.RecordError(err)
		c.mu.Lock()
		c.stats.FailedRequests++
		c.mu.Unlock()
		if metrics.IsEnabled() {
			metrics.FetchRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		}
		resp := c.failedResponse(query, statusCode, err)
		resp.DurationMS = durationMS
		return resp
	}

	c.mu.Lock()
	c.stats.SuccessfulRequests++
	c.mu.Unlock()
	if metrics.IsEnabled() {
		metrics.FetchRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		metrics.HTTPClientResponseBodySize.Record(ctx, int64(len(body)))
	}

	now := time.Now()
	return types.RawResponse{
		Timestamp:    now,
		URL:          url,
		APIName:      ExtractAPIName(url),
		QueryParams:  query.EncodedParams(),
		ResponseData: body,
		StatusCode:   fmt.Sprintf("%d", *statusCode),
		DurationMS:   durationMS,
		Year:         now.Year(),
		Month:        int(now.Month()),
		Day:          now.Day(),
	}
}

// fetchWithRetry performs one GET with exponential backoff on transient
// statuses and connection errors, up to the configured retry budget.
func (c *Client) fetchWithRetry(ctx context.Context, url string) (string, *int, error) {
	var body string
	var statusCode *int

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("DB-Api-Key", c.config.APIKey)
		req.Header.Set("DB-Client-Id", c.config.ClientID)
		req.Header.Set("Accept", "application/xml, application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.countRetry()
			return err
		}
		defer resp.Body.Close()

		statusCode = &resp.StatusCode

		if retryStatusCodes[resp.StatusCode] {
			c.countRetry()
			return fmt.Errorf("HTTP %d: retrying", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.countRetry()
			return err
		}

		if resp.StatusCode != http.StatusOK {
			// Non-retryable error status: record it, do not retry.
			return backoff.Permanent(fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(data)))
		}

		body = string(data)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(), uint64(c.config.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", statusCode, err
	}
	return body, statusCode, nil
}

// retryInitialInterval is shortened in tests to keep retry paths fast.
var retryInitialInterval = 5 * time.Second

func newExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	return b
}

func (c *Client) countRetry() {
	c.mu.Lock()
	c.stats.RetriedRequests++
	c.mu.Unlock()
	if metrics.IsEnabled() {
		metrics.FetchRetriesTotal.Add(context.Background(), 1)
	}
}

func (c *Client) failedResponse(query Query, statusCode *int, err error) types.RawResponse {
	url := query.FullURL()
	now := time.Now()
	resp := types.RawResponse{
		Timestamp:   now,
		URL:         url,
		APIName:     ExtractAPIName(url),
		QueryParams: query.EncodedParams(),
		Error:       err.Error(),
		Year:        now.Year(),
		Month:       int(now.Month()),
		Day:         now.Day(),
	}
	if statusCode != nil {
		resp.StatusCode = fmt.Sprintf("%d", *statusCode)
	}
	return resp
}
