// Package relief is a small client for the reliefd HTTP API. It mirrors the
// wire format of the server without importing its internal packages.
package relief

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Control commands block until the pipeline reaches a terminal outcome, so it
// is longer than a typical API timeout.
const DefaultHTTPTimeout = 6 * time.Minute

// Client wraps the HTTP interactions with a reliefd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ImageRequest submits one image to the pipeline.
type ImageRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ImageRef  string `json:"image_ref"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Outcome is the terminal result of a control command. Amounts are in minor
// units (1e-9 of a currency unit).
type Outcome struct {
	Kind       string    `json:"kind"`
	Agent      string    `json:"agent"`
	RequestID  string    `json:"request_id,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AgentHealth reports the supervisor's view of one agent.
type AgentHealth struct {
	AgentName     string    `json:"agent_name"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Restarts      int       `json:"restarts"`
}

// FailureRecord is a failure reported by any agent.
type FailureRecord struct {
	Kind       string    `json:"kind"`
	Agent      string    `json:"agent"`
	EventID    string    `json:"event_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Counters are the cumulative pipeline totals.
type Counters struct {
	Detected       int64 `json:"detected"`
	Verified       int64 `json:"verified"`
	Rejected       int64 `json:"rejected"`
	Funded         int64 `json:"funded"`
	FundingFailed  int64 `json:"funding_failed"`
	NoEvent        int64 `json:"no_event"`
	AnalysisFailed int64 `json:"analysis_failed"`
	TotalFunded    int64 `json:"total_funded"`
}

// Status is the aggregate status report.
type Status struct {
	Agents           []AgentHealth    `json:"agents"`
	Balances         map[string]int64 `json:"balances"`
	BalanceUpdatedAt time.Time        `json:"balance_updated_at"`
	Counters         Counters         `json:"counters"`
	SuccessRate      float64          `json:"success_rate"`
	EmergencyStop    bool             `json:"emergency_stop"`
	RecentFailures   []FailureRecord  `json:"recent_failures"`
}

// Tally is a count and amount for one transaction state.
type Tally struct {
	Count  int64 `json:"count"`
	Amount int64 `json:"amount"`
}

// FundingStats summarises disbursement transactions.
type FundingStats struct {
	ByState         map[string]Tally `json:"by_state"`
	PendingAmount   int64            `json:"pending_amount"`
	CompletedAmount int64            `json:"completed_amount"`
	SuccessRate     float64          `json:"success_rate"`
	EmergencyStop   bool             `json:"emergency_stop"`
}

// Allocation is one recipient's share of a funding decision.
type Allocation struct {
	Recipient string `json:"recipient"`
	Address   string `json:"address"`
	Amount    int64  `json:"amount"`
}

// FundingDecision is the allocation made for a verified event.
type FundingDecision struct {
	ID              string       `json:"id"`
	VerifiedEventID string       `json:"verified_event_id"`
	RequestID       string       `json:"request_id,omitempty"`
	Category        string       `json:"category"`
	Account         string       `json:"account"`
	TotalAmount     int64        `json:"total_amount"`
	Allocations     []Allocation `json:"allocations"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Transaction is the ledger transaction backing a funding decision.
type Transaction struct {
	FundingDecisionID string    `json:"funding_decision_id"`
	Account           string    `json:"account"`
	Nonce             uint64    `json:"nonce"`
	GasPrice          string    `json:"gas_price"`
	Hash              string    `json:"hash"`
	State             string    `json:"state"`
	AttemptCount      int       `json:"attempt_count"`
	LastError         string    `json:"last_error,omitempty"`
	Amount            int64     `json:"amount"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TransactionDetail pairs a decision with its transaction.
type TransactionDetail struct {
	Decision    FundingDecision `json:"decision"`
	Transaction Transaction     `json:"transaction"`
}

// StopResult is returned by EmergencyStop and Resume.
type StopResult struct {
	Stopped bool `json:"stopped"`
	Failed  int  `json:"failed"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relief api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relief api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the reliefd API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Status fetches the aggregate status report.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.get(ctx, "/api/status", &out)
	return out, err
}

// FundingStats fetches transaction statistics.
func (c *Client) FundingStats(ctx context.Context) (FundingStats, error) {
	var out FundingStats
	err := c.get(ctx, "/api/stats", &out)
	return out, err
}

// Transaction fetches a funding decision and its transaction.
func (c *Client) Transaction(ctx context.Context, decisionID string) (TransactionDetail, error) {
	var out TransactionDetail
	err := c.get(ctx, "/api/transactions/"+url.PathEscape(decisionID), &out)
	return out, err
}

// Detect runs detection only and returns the first detection outcome.
func (c *Client) Detect(ctx context.Context, req ImageRequest) (Outcome, error) {
	var out Outcome
	err := c.post(ctx, "/api/detect", req, &out)
	return out, err
}

// FullTest runs the whole pipeline and returns its terminal outcome.
func (c *Client) FullTest(ctx context.Context, req ImageRequest) (Outcome, error) {
	var out Outcome
	err := c.post(ctx, "/api/full-test", req, &out)
	return out, err
}

// EmergencyStop halts new disbursements.
func (c *Client) EmergencyStop(ctx context.Context, reason string) (StopResult, error) {
	var out StopResult
	err := c.post(ctx, "/api/emergency-stop", map[string]string{"reason": reason}, &out)
	return out, err
}

// Resume lifts an emergency stop.
func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "/api/resume", struct{}{}, nil)
}

// Healthy reports whether every agent is online.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// plain-text errors come from method and body validation
		if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
