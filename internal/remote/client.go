package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "parlharvest/1.0"
	maxErrorBody     = 512
)

// Config configures the Parliament API client.
type Config struct {
	HansardBaseURL   string
	QuestionsBaseURL string
	Timeout          time.Duration
	// MaxRatePerSecond caps requests across both APIs; 0 disables limiting.
	MaxRatePerSecond float64
	Retry            retry.Config
	UserAgent        string
	HTTPClient       *http.Client
}

// Client implements Source over HTTP.
type Client struct {
	hansardURL   string
	questionsURL string
	userAgent    string
	http         *http.Client
	limiter      *rate.Limiter
	retry        retry.Config
}

var _ Source = (*Client)(nil)

// NewClient creates a Parliament API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HansardBaseURL == "" || cfg.QuestionsBaseURL == "" {
		return nil, fmt.Errorf("remote: both API base URLs are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxRatePerSecond > 0 {
		burst := int(cfg.MaxRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRatePerSecond), burst)
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 {
		retryCfg = retry.DefaultConfig()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		hansardURL:   strings.TrimRight(cfg.HansardBaseURL, "/"),
		questionsURL: strings.TrimRight(cfg.QuestionsBaseURL, "/"),
		userAgent:    userAgent,
		http:         httpClient,
		limiter:      limiter,
		retry:        retryCfg,
	}, nil
}

// List implements Source.
func (c *Client) List(ctx context.Context, day types.Day, itemType types.ItemType, kind Kind, skip, take int) (*Page, error) {
	switch itemType {
	case types.ItemContribution:
		return c.listContributions(ctx, day, kind, skip, take)
	case types.ItemWrittenQuestion:
		return c.listQuestions(ctx, day, kind, skip, take)
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownItemType, itemType)
}

// Count implements Source.
func (c *Client) Count(ctx context.Context, day types.Day, itemType types.ItemType) (int, error) {
	kinds := KindsFor(itemType)
	if kinds == nil {
		return 0, fmt.Errorf("%w: %q", types.ErrUnknownItemType, itemType)
	}
	total := 0
	for _, kind := range kinds {
		page, err := c.List(ctx, day, itemType, kind, 0, 1)
		if err != nil {
			return 0, fmt.Errorf("count %s %s on %s: %w", itemType, kind, day, err)
		}
		total += page.Total
	}
	return total, nil
}

// Fetch implements Source.
func (c *Client) Fetch(ctx context.Context, item *storage.QueueItem) (*Document, error) {
	switch item.ItemType {
	case types.ItemContribution:
		return contributionFromPayload(item)
	case types.ItemWrittenQuestion:
		return c.fetchQuestion(ctx, item)
	}
	return nil, retry.Permanent(fmt.Errorf("%w: %q", types.ErrUnknownItemType, item.ItemType))
}

// getJSON performs a rate limited GET with bounded retries and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	target := endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, retry.Transient(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, retry.Transient(fmt.Errorf("GET %s: %w", target, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return struct{}{}, retry.FromStatus(resp.StatusCode,
				fmt.Errorf("GET %s: %s: %s", target, resp.Status, strings.TrimSpace(string(body))))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("decode %s: %w", target, err))
		}
		return struct{}{}, nil
	})
	return err
}
