package calcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/baseline-engine/internal/recalc"
)

// Client calls the remote period calculator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping checks if the remote calculator is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("calculator returned status %d", resp.StatusCode)
	}
	return nil
}

type calculateRequest struct {
	ClientID      string           `json:"client_id"`
	Month         int              `json:"month"`
	Year          int              `json:"year"`
	BaselineHours *decimal.Decimal `json:"baseline_hours,omitempty"`
	VigencyID     string           `json:"vigency_id,omitempty"`
	Previous      *recalc.Output   `json:"previous,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Calculate implements recalc.Calculator.
func (c *Client) Calculate(ctx context.Context, in recalc.CalculationRequest) (recalc.Output, error) {
	body := calculateRequest{ClientID: in.ClientID, Month: in.Period.Month, Year: in.Period.Year}
	if in.Governing != nil {
		hours := in.Governing.BaselineHours
		body.BaselineHours = &hours
		body.VigencyID = in.Governing.ID.String()
	}
	if in.Previous != nil && in.Previous.Status == recalc.StatusSuccess {
		body.Previous = in.Previous.Output
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return recalc.Output{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/calculate", c.baseURL), bytes.NewReader(payload))
	if err != nil {
		return recalc.Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return recalc.Output{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return recalc.Output{}, err
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			return recalc.Output{}, fmt.Errorf("calculator: %s", eb.Error)
		}
		return recalc.Output{}, fmt.Errorf("calculator returned status %d", resp.StatusCode)
	}
	var out recalc.Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return recalc.Output{}, fmt.Errorf("calculator: decode response: %w", err)
	}
	return out, nil
}
