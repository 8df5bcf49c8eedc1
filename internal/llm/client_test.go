package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
)

func evalEndpoint(t *testing.T, status int, hints domain.Hints) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/evaluate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model string      `json:"model"`
			Input EvalRequest `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ava-eval-1", body.Model)

		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(evalResponse{Hints: hints})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientEvaluate(t *testing.T) {
	hints := domain.Hints{
		Intent:      70,
		Friction:    60,
		Clarity:     65,
		Receptivity: 70,
		Value:       55,
		Narrative:   "retrying a declined card",
		Synthetic:   true, // server value must be overridden
	}
	srv := evalEndpoint(t, http.StatusOK, hints)

	c := NewHTTPClient(Options{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "ava-eval-1",
	})
	got, err := c.Evaluate(context.Background(), EvalRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, 70, got.Intent)
	assert.Equal(t, "retrying a declined card", got.Narrative)
	assert.False(t, got.Synthetic, "model hints are never marked synthetic")
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := evalEndpoint(t, http.StatusBadGateway, domain.Hints{})
	c := NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "test-key", Model: "ava-eval-1"})

	_, err := c.Evaluate(context.Background(), EvalRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPClientBreakerOpensUnderFailures(t *testing.T) {
	srv := evalEndpoint(t, http.StatusInternalServerError, domain.Hints{})
	c := NewHTTPClient(Options{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		Model:         "ava-eval-1",
		RatePerSecond: 1000,
		Burst:         1000,
	})

	// Trip threshold: >= 5 requests with >= 50% failures.
	for i := 0; i < 5; i++ {
		_, err := c.Evaluate(context.Background(), EvalRequest{})
		require.Error(t, err)
	}
	_, err := c.Evaluate(context.Background(), EvalRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestHTTPClientRateLimit(t *testing.T) {
	srv := evalEndpoint(t, http.StatusOK, domain.Hints{})
	c := NewHTTPClient(Options{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		Model:         "ava-eval-1",
		RatePerSecond: 1,
		Burst:         1,
	})

	_, err := c.Evaluate(context.Background(), EvalRequest{})
	require.NoError(t, err)
	_, err = c.Evaluate(context.Background(), EvalRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestStubClientCountsCalls(t *testing.T) {
	stub := &StubClient{Hints: domain.Hints{Intent: 42}}
	got, err := stub.Evaluate(context.Background(), EvalRequest{})
	require.NoError(t, err)
	assert.Equal(t, 42, got.Intent)
	assert.Equal(t, 1, stub.Calls)
}
