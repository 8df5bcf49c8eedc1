// Package llm wraps the generative evaluation endpoint behind a small client
// interface. The production client carries a circuit breaker and a rate
// limiter; callers treat any error as "fall back to the fast engine".
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avaplatform/ava/internal/domain"
)

// EvalRequest is the evaluation prompt context sent to the model.
type EvalRequest struct {
	SessionID     string                 `json:"session_id"`
	SiteURL       string                 `json:"site_url"`
	PageType      domain.PageType        `json:"page_type"`
	Events        []domain.TrackEvent    `json:"events"`
	CartValue     float64                `json:"cart_value"`
	SessionAgeSec float64                `json:"session_age_sec"`
	Counters      domain.SessionCounters `json:"counters"`
}

// Client produces scoring hints for one evaluation.
type Client interface {
	Evaluate(ctx context.Context, req EvalRequest) (domain.Hints, error)
}

// Options configure the HTTP client.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// HTTPClient calls the model endpoint. Failures trip the breaker so a
// degraded model service sheds load quickly instead of queueing timeouts.
type HTTPClient struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPClient builds the production client.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 2 * int(opts.RatePerSecond)
	}

	settings := gobreaker.Settings{
		Name:        "llm-eval",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("llm breaker state change")
		},
	}

	return &HTTPClient{
		opts:    opts,
		http:    &http.Client{Timeout: opts.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

type evalResponse struct {
	Hints domain.Hints `json:"hints"`
}

// Evaluate implements Client.
func (c *HTTPClient) Evaluate(ctx context.Context, req EvalRequest) (domain.Hints, error) {
	if !c.limiter.Allow() {
		return domain.Hints{}, fmt.Errorf("llm rate limit exceeded")
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, req)
	})
	if err != nil {
		return domain.Hints{}, err
	}
	return out.(domain.Hints), nil
}

func (c *HTTPClient) call(ctx context.Context, req EvalRequest) (domain.Hints, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Model string      `json:"model"`
		Input EvalRequest `json:"input"`
	}{Model: c.opts.Model, Input: req})
	if err != nil {
		return domain.Hints{}, fmt.Errorf("marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return domain.Hints{}, fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.Hints{}, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Hints{}, fmt.Errorf("llm endpoint returned %d", resp.StatusCode)
	}

	var er evalResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return domain.Hints{}, fmt.Errorf("decode llm response: %w", err)
	}
	er.Hints.Synthetic = false
	return er.Hints, nil
}
