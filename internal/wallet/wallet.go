package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/playstake/backend/internal/config"
)

// The wallet/ledger service holds player balances and performs stake escrow.
// It is an external collaborator; this package only speaks its HTTP API.

var (
	// ErrInsufficientBalance means the gateway declined a reservation or the
	// available balance (balance minus locked funds) is below the buy-in.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrGatewayUnavailable is a retryable transport-level failure.
	ErrGatewayUnavailable = errors.New("wallet gateway unavailable")
)

// Gateway is the wallet operations the match engine depends on. All calls
// are idempotent from the caller's side, keyed by match id + operation.
type Gateway interface {
	// Available returns the user's spendable balance in minor units.
	Available(ctx context.Context, userID string) (int64, error)

	// Reserve locks amount of the user's funds against a match.
	Reserve(ctx context.Context, userID, matchID string, amount int64) error

	// Release returns a previously reserved amount to the user.
	Release(ctx context.Context, userID, matchID string, amount int64) error

	// Settle pays out the prize map to the winners, deducting the platform
	// rake. Prizes are per-user amounts in minor units.
	Settle(ctx context.Context, matchID string, winners []string, prizes map[string]int64, rakePercent int) error
}

// Client is an HTTP Gateway implementation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a wallet gateway client. Returns nil when the gateway
// is not configured; callers should fall back to mock mode.
func NewClient(cfg *config.Config) *Client {
	if cfg == nil || cfg.WalletBaseURL == "" {
		log.Printf("[WALLET] Gateway not configured - skipping initialization")
		return nil
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.WalletBaseURL, "/"),
		apiKey:     cfg.WalletAPIKey,
		httpClient: &http.Client{Timeout: time.Duration(cfg.WalletTimeoutSeconds) * time.Second},
	}
}

func (c *Client) Available(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Available int64 `json:"available"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/balances/"+userID, nil, &out); err != nil {
		return 0, err
	}
	return out.Available, nil
}

func (c *Client) Reserve(ctx context.Context, userID, matchID string, amount int64) error {
	body := map[string]interface{}{
		"user_id":         userID,
		"match_id":        matchID,
		"amount":          amount,
		"idempotency_key": matchID + ":reserve:" + userID,
	}
	return c.call(ctx, http.MethodPost, "/v1/reservations", body, nil)
}

func (c *Client) Release(ctx context.Context, userID, matchID string, amount int64) error {
	body := map[string]interface{}{
		"user_id":         userID,
		"match_id":        matchID,
		"amount":          amount,
		"idempotency_key": matchID + ":release:" + userID,
	}
	return c.call(ctx, http.MethodPost, "/v1/releases", body, nil)
}

func (c *Client) Settle(ctx context.Context, matchID string, winners []string, prizes map[string]int64, rakePercent int) error {
	body := map[string]interface{}{
		"match_id":        matchID,
		"winners":         winners,
		"prizes":          prizes,
		"rake_percent":    rakePercent,
		"idempotency_key": matchID + ":settle",
	}
	return c.call(ctx, http.MethodPost, "/v1/settlements", body, nil)
}

// call performs one gateway request and maps failure classes onto the
// package sentinels so callers can branch with errors.Is.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode wallet request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create wallet request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[WALLET] %s %s failed: %v", method, path, err)
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
		return ErrInsufficientBalance
	case resp.StatusCode >= 500:
		raw, _ := io.ReadAll(resp.Body)
		log.Printf("[WALLET] %s %s status=%d body=%s", method, path, resp.StatusCode, string(raw))
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wallet gateway rejected %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode wallet response: %w", err)
		}
	}
	return nil
}

// Mock is a Gateway used when no real gateway is configured. Every user has
// an effectively unlimited balance and all operations succeed. Useful for
// local development only.
type Mock struct{}

func (Mock) Available(ctx context.Context, userID string) (int64, error) {
	return 1 << 40, nil
}

func (Mock) Reserve(ctx context.Context, userID, matchID string, amount int64) error {
	log.Printf("[WALLET] MOCK reserve user=%s match=%s amount=%d", userID, matchID, amount)
	return nil
}

func (Mock) Release(ctx context.Context, userID, matchID string, amount int64) error {
	log.Printf("[WALLET] MOCK release user=%s match=%s amount=%d", userID, matchID, amount)
	return nil
}

func (Mock) Settle(ctx context.Context, matchID string, winners []string, prizes map[string]int64, rakePercent int) error {
	log.Printf("[WALLET] MOCK settle match=%s winners=%v prizes=%v rake=%d%%", matchID, winners, prizes, rakePercent)
	return nil
}
