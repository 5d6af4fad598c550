package tradovate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfutures/recorderbot/internal/domain"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := Credentials{
		Username: "demo-user",
		Password: "hunter2",
		AppID:    "recorderbot",
		CID:      "1234",
		Secret:   "api-secret",
	}
	logger := slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient("demo", srv.URL, creds, logger)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func tokenOK(w http.ResponseWriter, token, mdToken string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accessToken":    token,
		"mdAccessToken":  mdToken,
		"expirationTime": time.Now().Add(90 * time.Minute).Format(time.RFC3339),
		"userId":         42,
	})
}

func TestTokenRequestAndCache(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body accessTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "demo-user", body.Name)
		assert.Equal(t, "hunter2", body.Password)
		assert.Equal(t, "recorderbot", body.AppID)
		tokenOK(w, "tok-1", "md-tok-1")
	})

	c := testClient(t, mux)
	ctx := context.Background()

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	md, err := c.MarketDataToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "md-tok-1", md)

	_, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "unexpired token must be reused")

	c.Invalidate()
	_, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "invalidation must force a re-request")
}

func TestTokenHonorsPenaltyAndRetries(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var body accessTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if n == 1 {
			assert.Empty(t, body.PenaltyTicket)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"p-ticket": "penalty-1",
				"p-time":   0.01,
			})
			return
		}
		assert.Equal(t, "penalty-1", body.PenaltyTicket)
		tokenOK(w, "tok-after-penalty", "")
	})

	c := testClient(t, mux)
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-after-penalty", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenRepeatedPenaltyGivesUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"p-ticket": "again", "p-time": 0.01})
	})

	c := testClient(t, mux)
	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestTokenCaptchaIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-ticket":  "blocked",
			"p-captcha": true,
		})
	})

	c := testClient(t, mux)
	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrCaptchaRequired)
}

func TestTokenBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errorText": "name and password do not match"})
	})

	c := testClient(t, mux)
	_, err := c.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPositionsResolvesContracts(t *testing.T) {
	var contractCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		tokenOK(w, "tok", "")
	})
	mux.HandleFunc("/position/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "accountId": 100, "contractId": 12345, "netPos": 2, "netPrice": 25600.25},
			{"id": 2, "accountId": 100, "contractId": 12345, "netPos": -1, "netPrice": 6400.0},
		})
	})
	mux.HandleFunc("/contract/item", func(w http.ResponseWriter, r *http.Request) {
		contractCalls.Add(1)
		assert.Equal(t, "12345", r.URL.Query().Get("id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 12345, "name": "MNQZ5"})
	})

	c := testClient(t, mux)
	snaps, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "MNQZ5", snaps[0].Ticker)
	assert.Equal(t, 2, snaps[0].NetQty)
	assert.Equal(t, -1, snaps[1].NetQty)
	assert.Equal(t, int32(1), contractCalls.Load(), "contract names must be cached")
}

func TestPositionsUnauthorizedInvalidatesToken(t *testing.T) {
	var authCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		authCalls.Add(1)
		tokenOK(w, "tok", "")
	})
	mux.HandleFunc("/position/list", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := testClient(t, mux)
	_, err := c.Positions(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = c.Positions(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(2), authCalls.Load(), "401 must drop the cached token")
}

func TestPositionsRateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/accesstokenrequest", func(w http.ResponseWriter, _ *http.Request) {
		tokenOK(w, "tok", "")
	})
	mux.HandleFunc("/position/list", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := testClient(t, mux)
	_, err := c.Positions(context.Background())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestWSURLDefaults(t *testing.T) {
	assert.Equal(t, demoTradingWS, TradingWSURL("demo", ""))
	assert.Equal(t, liveTradingWS, TradingWSURL("live", ""))
	assert.Equal(t, "wss://custom/ws", TradingWSURL("live", "wss://custom/ws"))
	assert.Equal(t, marketDataWS, MarketWSURL(""))
	assert.Equal(t, "wss://md-custom/ws", MarketWSURL("wss://md-custom/ws"))
}
