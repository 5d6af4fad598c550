// Package tradovate implements the REST side of the Tradovate API: access
// token acquisition with penalty-ticket handling, and position snapshots
// for drift detection. The streaming side lives in internal/stream.
package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
)

// tokenRenewMargin renews the cached token this long before its reported
// expiry so in-flight requests never race the expiration.
const tokenRenewMargin = 5 * time.Minute

// Credentials identifies one broker login.
type Credentials struct {
	Username   string
	Password   string
	AppID      string
	AppVersion string
	CID        string
	Secret     string
	DeviceID   string
}

// Client is a Tradovate REST client. It caches the access token and renews
// it on demand; all methods are safe for concurrent use.
type Client struct {
	restURL string
	creds   Credentials
	http    *http.Client
	logger  *slog.Logger

	mu            sync.Mutex
	accessToken   string
	mdAccessToken string
	tokenExpiry   time.Time

	contractMu    sync.Mutex
	contractNames map[int64]string // contractId -> symbol
}

// NewClient creates a Client for the given environment ("demo" or "live").
// restURL overrides the environment default when non-empty.
func NewClient(environment, restURL string, creds Credentials, logger *slog.Logger) *Client {
	if restURL == "" {
		if strings.EqualFold(environment, "live") {
			restURL = liveRestURL
		} else {
			restURL = demoRestURL
		}
	}
	return &Client{
		restURL:       strings.TrimRight(restURL, "/"),
		creds:         creds,
		http:          &http.Client{Timeout: 15 * time.Second},
		logger:        logger.With(slog.String("component", "tradovate")),
		contractNames: make(map[int64]string),
	}
}

// TradingWSURL returns the user-data websocket endpoint for the environment.
func TradingWSURL(environment, override string) string {
	if override != "" {
		return override
	}
	if strings.EqualFold(environment, "live") {
		return liveTradingWS
	}
	return demoTradingWS
}

// MarketWSURL returns the market-data websocket endpoint.
func MarketWSURL(override string) string {
	if override != "" {
		return override
	}
	return marketDataWS
}

// Token returns a valid trading access token, requesting or renewing it as
// needed. It implements the stream package's TokenSource.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureTokenLocked(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// MarketDataToken returns a valid market-data access token.
func (c *Client) MarketDataToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureTokenLocked(ctx); err != nil {
		return "", err
	}
	if c.mdAccessToken != "" {
		return c.mdAccessToken, nil
	}
	return c.accessToken, nil
}

// ensureTokenLocked requests a fresh token when none is cached or the
// cached one is near expiry. Caller must hold c.mu.
func (c *Client) ensureTokenLocked(ctx context.Context) error {
	if c.accessToken != "" && time.Until(c.tokenExpiry) > tokenRenewMargin {
		return nil
	}
	return c.requestTokenLocked(ctx, "")
}

// requestTokenLocked performs the access token request. A rate-limit
// penalty is honored by sleeping the server-specified duration and retrying
// once with the issued ticket; a captcha challenge is terminal.
func (c *Client) requestTokenLocked(ctx context.Context, penaltyTicket string) error {
	body := accessTokenRequest{
		Name:          c.creds.Username,
		Password:      c.creds.Password,
		AppID:         c.creds.AppID,
		AppVersion:    c.creds.AppVersion,
		CID:           c.creds.CID,
		Sec:           c.creds.Secret,
		DeviceID:      c.creds.DeviceID,
		PenaltyTicket: penaltyTicket,
	}

	var resp accessTokenResponse
	status, err := c.postJSON(ctx, "/auth/accesstokenrequest", body, &resp)
	if err != nil {
		return fmt.Errorf("tradovate: access token request: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("tradovate: access token request: %w", domain.ErrUnauthorized)
	}

	// Penalty shape: the server wants us to wait before trying again.
	if resp.PenaltyTicket != "" {
		if resp.CaptchaNeeded {
			return fmt.Errorf("tradovate: access token request: %w", domain.ErrCaptchaRequired)
		}
		if penaltyTicket != "" {
			// Already the retry; give up rather than loop.
			return fmt.Errorf("tradovate: access token request retried: %w", domain.ErrRateLimited)
		}
		wait := time.Duration(resp.PenaltyTime * float64(time.Second))
		c.logger.WarnContext(ctx, "access token rate limited, honoring penalty",
			slog.Duration("penalty", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.requestTokenLocked(ctx, resp.PenaltyTicket)
	}

	if resp.ErrorText != "" {
		// Bad credential text responses come back with status 200.
		return fmt.Errorf("tradovate: access token request: %s: %w", resp.ErrorText, domain.ErrUnauthorized)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("tradovate: access token request: empty token (status %d)", status)
	}

	expiry := time.Now().Add(80 * time.Minute) // documented token lifetime ~90m
	if t, err := time.Parse(time.RFC3339, resp.ExpirationTime); err == nil {
		expiry = t
	}

	c.accessToken = resp.AccessToken
	c.mdAccessToken = resp.MdAccessToken
	c.tokenExpiry = expiry
	c.logger.InfoContext(ctx, "access token acquired",
		slog.Int64("user_id", resp.UserID),
		slog.Time("expires", expiry),
	)
	return nil
}

// Invalidate drops the cached token so the next call re-authenticates.
// Used after the stream layer observes an auth rejection.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.mdAccessToken = ""
	c.mu.Unlock()
}

// Positions returns the broker-reported net positions for all accounts
// visible to the credential, with contract IDs resolved to symbols.
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPositionSnapshot, error) {
	var items []positionItem
	if err := c.getJSON(ctx, "/position/list", nil, &items); err != nil {
		return nil, fmt.Errorf("tradovate: list positions: %w", err)
	}

	snaps := make([]domain.BrokerPositionSnapshot, 0, len(items))
	for _, it := range items {
		name, err := c.contractName(ctx, it.ContractID)
		if err != nil {
			c.logger.WarnContext(ctx, "resolve contract failed",
				slog.Int64("contract_id", it.ContractID),
				slog.String("error", err.Error()),
			)
			continue
		}
		snaps = append(snaps, domain.BrokerPositionSnapshot{
			AccountID: it.AccountID,
			Ticker:    name,
			NetQty:    it.NetPos,
			AvgPrice:  it.NetPrice,
			AsOf:      it.Timestamp,
		})
	}
	return snaps, nil
}

// ContractSymbol resolves a broker contract ID to its symbol. It backs the
// stream package's symbol resolution for market-data frames.
func (c *Client) ContractSymbol(ctx context.Context, id int64) (string, error) {
	return c.contractName(ctx, id)
}

// contractName resolves a contract ID to its symbol, caching results.
func (c *Client) contractName(ctx context.Context, id int64) (string, error) {
	c.contractMu.Lock()
	if name, ok := c.contractNames[id]; ok {
		c.contractMu.Unlock()
		return name, nil
	}
	c.contractMu.Unlock()

	var item contractItem
	q := url.Values{"id": {strconv.FormatInt(id, 10)}}
	if err := c.getJSON(ctx, "/contract/item", q, &item); err != nil {
		return "", err
	}
	if item.Name == "" {
		return "", fmt.Errorf("contract %d: %w", id, domain.ErrNotFound)
	}

	c.contractMu.Lock()
	c.contractNames[id] = item.Name
	c.contractMu.Unlock()
	return item.Name, nil
}

// postJSON sends an unauthenticated POST with a JSON body and decodes the
// response. It returns the HTTP status alongside any transport error.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// getJSON sends an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	u := c.restURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.Invalidate()
		return domain.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
