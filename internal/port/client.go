package port

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/metrics"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/resilience"
)

// Config represents Port client configuration
type Config struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	IntegrationID  string
	RequestTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	Retry          resilience.RetryConfig
	AIMD           resilience.AIMDConfig
}

// Client talks to the Port REST API with bounded concurrency, client-side
// rate limiting, retries and adaptive back-pressure.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	clientID      string
	clientSecret  string
	integrationID string
	limiter       *rate.Limiter
	inFlight      *resilience.AIMDController
	retry         resilience.RetryConfig
	log           logger.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Port API client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, oceanerr.Config("port base URL is required")
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, oceanerr.Config("port client credentials are required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = rate.Limit(20)
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 40
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = resilience.CatalogRetryConfig()
	}

	return &Client{
		baseURL:       config.BaseURL,
		httpClient:    &http.Client{Timeout: config.RequestTimeout},
		clientID:      config.ClientID,
		clientSecret:  config.ClientSecret,
		integrationID: config.IntegrationID,
		limiter:       rate.NewLimiter(config.RateLimit, config.RateBurst),
		inFlight:      resilience.NewAIMDController(config.AIMD),
		retry:         config.Retry,
		log:           logger.New("port_client"),
	}, nil
}

// IntegrationID returns the configured integration identifier
func (c *Client) IntegrationID() string {
	return c.integrationID
}

// InFlightController exposes the back-pressure controller, mainly for tests
func (c *Client) InFlightController() *resilience.AIMDController {
	return c.inFlight
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// authenticate obtains a bearer token from the client credentials
func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
	})
	if err != nil {
		return "", oceanerr.Wrap(oceanerr.KindInternal, "marshal credentials", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/access_token", bytes.NewReader(body))
	if err != nil {
		return "", oceanerr.Wrap(oceanerr.KindInternal, "build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", oceanerr.Wrap(oceanerr.KindTransientRemote, "auth request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", oceanerr.Auth("port rejected the client credentials")
		}
		return "", oceanerr.FromStatus(resp.StatusCode, "auth request failed")
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", oceanerr.Wrap(oceanerr.KindTransientRemote, "decode auth response", err)
	}

	c.token = token.AccessToken
	// Refresh a minute early to avoid racing the expiry on in-flight calls.
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn)*time.Second - time.Minute)

	c.log.Debug("obtained port access token")
	return c.token, nil
}

// invalidateToken drops the cached token so the next call re-authenticates
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// do performs a single authenticated request. The caller owns retries.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	release, err := c.inFlight.Acquire(ctx)
	if err != nil {
		return err
	}
	metrics.CatalogInFlight.Inc()
	defer func() {
		metrics.CatalogInFlight.Dec()
		release()
	}()

	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.invalidateToken()
		resp, err = c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.inFlight.OnSuccess()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return oceanerr.Wrap(oceanerr.KindTransientRemote, "decode response", err)
		}
		return nil
	}

	apiErr := oceanerr.FromStatus(resp.StatusCode, readErrorMessage(resp.Body, method, path))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.inFlight.OnThrottle()
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return apiErr
}

// send builds and executes one HTTP round trip
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, oceanerr.Wrap(oceanerr.KindInternal, "marshal request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindInternal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if oceanerr.IsCanceled(err) {
			return nil, err
		}
		return nil, oceanerr.Wrap(oceanerr.KindTransientRemote, fmt.Sprintf("%s %s failed", method, path), err)
	}
	return resp, nil
}

// withRetry wraps an operation in the client's retry policy
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.CatalogRetries.Inc()
		}
		return fn(ctx)
	})
}

func readErrorMessage(body io.Reader, method, path string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fmt.Sprintf("%s %s failed", method, path)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
