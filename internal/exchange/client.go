// Package exchange implements the Kraken REST and WebSocket clients: the
// Rate Limiter (C2), Signer (C3), REST Client (C4), WebSocket Session
// Manager (C5), and Message Router (C6).
//
// The REST client (Client) talks to the Kraken spot REST API:
//   - GetPublic:  GET  /0/public/<Method>  — unauthenticated market data
//   - PostPrivate: POST /0/private/<Method> — authenticated trading calls
//
// Every private call is rate-limited via the account's tier RateLimiter,
// nonce-stamped via the Nonce Authority, signed via the Signer, and
// automatically retried per the error classification table in errors.go.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"krakenbot/internal/config"
	"krakenbot/internal/nonce"
)

const (
	maxRetryAttempts = 5
	maxTotalWait     = 60 * time.Second
)

// krakenResponse is the universal Kraken REST envelope:
// {"error":[...], "result":{...}}.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Client is the Kraken spot REST API client. It wraps a resty HTTP client
// with rate limiting, nonce issuance, signing, and retry.
type Client struct {
	http   *resty.Client
	signer *Signer
	nonces *nonce.Authority
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client wired to the given signer, nonce
// authority, and rate limiter.
func NewClient(cfg config.Config, signer *Signer, nonces *nonce.Authority, rl *RateLimiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(cfg.API.Timeout).
		SetRetryCount(0). // retry logic lives in call to see the error[] body
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:   httpClient,
		signer: signer,
		nonces: nonces,
		rl:     rl,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange_client"),
	}
}

// GetPublic executes an unauthenticated GET against /0/public/<endpoint>.
func (c *Client) GetPublic(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	return c.call(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx)
		if params != nil {
			req.SetQueryParamsFromValues(params)
		}
		return req.Get("/0/public/" + endpoint)
	}, endpoint, false)
}

// PostPrivate executes an authenticated POST against /0/private/<endpoint>,
// handling the full algorithm from spec §4.4: rate limit, nonce, sign,
// send, classify.
func (c *Client) PostPrivate(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post private", "endpoint", endpoint)
		return json.RawMessage(`{}`), nil
	}

	return c.call(ctx, func() (*resty.Response, error) {
		permit, err := c.rl.Acquire(ctx, endpoint, 0)
		if err != nil {
			return nil, err
		}

		n := c.nonces.Next()
		nonceStr := fmt.Sprintf("%d", n)

		body := url.Values{}
		for k, v := range params {
			body[k] = v
		}
		body.Set("nonce", nonceStr)
		encoded := body.Encode()

		path := "/0/private/" + endpoint
		headers := c.signer.Headers(path, nonceStr, encoded)

		resp, reqErr := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(encoded).
			Post(path)

		outcome := OutcomeOK
		if reqErr == nil && resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
			outcome = OutcomeServerRateLimited
		}
		c.rl.Release(permit, outcome)

		return resp, reqErr
	}, endpoint, true)
}

// call runs do, classifies the result, and retries per the policy:
// exponential backoff with jitter, capped at maxRetryAttempts and
// maxTotalWait total, retrying only NonceError, RateLimit, Transient.
func (c *Client) call(ctx context.Context, do func() (*resty.Response, error), endpoint string, private bool) (json.RawMessage, error) {
	var totalWait time.Duration

	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		resp, err := do()
		if err != nil {
			exErr := &Error{Kind: KindTransient, Op: endpoint, Message: "http request failed", Err: err}
			if attempt == maxRetryAttempts || totalWait >= maxTotalWait {
				return nil, exErr
			}
			wait := backoff(attempt)
			totalWait += wait
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if resp.StatusCode() >= 500 {
			exErr := &Error{Kind: KindTransient, Op: endpoint, Message: fmt.Sprintf("status %d", resp.StatusCode())}
			if attempt == maxRetryAttempts || totalWait >= maxTotalWait {
				return nil, exErr
			}
			wait := backoff(attempt)
			totalWait += wait
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if !private {
			var raw krakenResponse
			if err := json.Unmarshal(resp.Body(), &raw); err != nil {
				return nil, &Error{Kind: KindUnknown, Op: endpoint, Message: "unmarshal response", Err: err}
			}
			if len(raw.Error) == 0 {
				return raw.Result, nil
			}
			return nil, &Error{Kind: KindUnknown, Op: endpoint, Message: raw.Error[0]}
		}

		var raw krakenResponse
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: endpoint, Message: "unmarshal response", Err: err}
		}
		if len(raw.Error) == 0 {
			return raw.Result, nil
		}

		kind := classifyKrakenError(raw.Error[0])
		exErr := &Error{Kind: kind, Op: endpoint, Message: raw.Error[0]}

		if kind == KindNonce {
			c.nonces.RecoverFromInvalid()
		}

		retryable := exErr.Retryable()
		if !retryable || attempt == maxRetryAttempts || totalWait >= maxTotalWait {
			return nil, exErr
		}

		wait := backoff(attempt)
		if kind == KindRateLimit {
			wait = 45 * time.Second
		}
		totalWait += wait
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, &Error{Kind: KindUnknown, Op: endpoint, Message: "exhausted retries"}
}

// backoff computes exponential backoff with jitter for the given attempt
// number (1-indexed).
func backoff(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt)) * float64(time.Second)
	jitter := rand.Float64() * base * 0.25
	d := time.Duration(base + jitter)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
