package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/ledger"
	"github.com/saasforge/credit-ledger/internal/usage"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CreditsClient talks to a creditd instance.
type CreditsClient struct {
	baseURL    *url.URL
	token      string
	httpClient HTTPClient
}

// NewCreditsClient constructs a client using the provided base URL and
// bearer token (empty when the server runs without auth).
func NewCreditsClient(baseURL, token string, httpClient HTTPClient) (*CreditsClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CreditsClient{baseURL: parsed, token: token, httpClient: httpClient}, nil
}

// errorResponse matches the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *CreditsClient) post(ctx context.Context, path string, payload any, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *CreditsClient) get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *CreditsClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return fmt.Errorf("creditd error: %s", errPayload.Error)
		}
		return fmt.Errorf("creditd error: status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// EnsureAccount provisions an account with a zero balance.
func (c *CreditsClient) EnsureAccount(ctx context.Context, userID, email, displayName string) (*ledger.Account, error) {
	var resp struct {
		Account *ledger.Account `json:"account"`
	}
	payload := map[string]string{"user_id": userID, "email": email, "display_name": displayName}
	if err := c.post(ctx, "/api/v1/accounts", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Account, nil
}

// AddCredits credits an account.
func (c *CreditsClient) AddCredits(ctx context.Context, params credits.AddParams) (ledger.Transaction, error) {
	var resp struct {
		Transaction ledger.Transaction `json:"transaction"`
	}
	if err := c.post(ctx, "/api/v1/credits/add", params, &resp); err != nil {
		return ledger.Transaction{}, err
	}
	return resp.Transaction, nil
}

// ConsumeCredits debits an account and returns the structured outcome.
func (c *CreditsClient) ConsumeCredits(ctx context.Context, params credits.ConsumeParams) (credits.ConsumeResult, error) {
	var resp credits.ConsumeResult
	if err := c.post(ctx, "/api/v1/credits/consume", params, &resp); err != nil {
		return credits.ConsumeResult{}, err
	}
	return resp, nil
}

// Balance fetches the committed balance.
func (c *CreditsClient) Balance(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/credits/%s/balance", url.PathEscape(userID)), &resp); err != nil {
		return "", err
	}
	return resp.Balance, nil
}

// Check reports whether the account can cover the given amount.
func (c *CreditsClient) Check(ctx context.Context, userID, amount string) (bool, error) {
	var resp struct {
		Enough bool `json:"enough"`
	}
	path := fmt.Sprintf("/api/v1/credits/%s/check?amount=%s", url.PathEscape(userID), url.QueryEscape(amount))
	if err := c.get(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Enough, nil
}

// Status fetches the reporting aggregate.
func (c *CreditsClient) Status(ctx context.Context, userID string) (credits.Status, error) {
	var resp credits.Status
	if err := c.get(ctx, fmt.Sprintf("/api/v1/credits/%s/status", url.PathEscape(userID)), &resp); err != nil {
		return credits.Status{}, err
	}
	return resp, nil
}

// Transactions fetches recent history, optionally filtered by type.
func (c *CreditsClient) Transactions(ctx context.Context, userID string, limit int, typ ledger.Type) ([]ledger.Transaction, error) {
	path := fmt.Sprintf("/api/v1/credits/%s/transactions", url.PathEscape(userID))
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if typ != "" {
		query.Set("type", string(typ))
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp struct {
		Transactions []ledger.Transaction `json:"transactions"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// ReportUsage posts one completed unit of metered work.
func (c *CreditsClient) ReportUsage(ctx context.Context, event usage.Event) error {
	return c.post(ctx, "/api/v1/usage", event, nil)
}
