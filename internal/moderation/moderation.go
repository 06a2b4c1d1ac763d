// Package moderation screens proposed market content through an external
// review service before the market is created.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Verdict is the review outcome for a proposed market.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Oracle reviews market content. A returned error means the service could
// not be reached or gave an unusable answer; the caller's Policy decides
// what happens then.
type Oracle interface {
	Review(ctx context.Context, title, description string) (Verdict, error)
}

// Policy controls what happens when the oracle is unavailable.
type Policy int

const (
	// FailOpen treats an unavailable oracle as approval. Default: content
	// review should not take market creation down with it.
	FailOpen Policy = iota
	// FailClosed rejects creation when the oracle cannot answer.
	FailClosed
)

// Client calls an HTTP moderation service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a moderation client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Review(ctx context.Context, title, description string) (Verdict, error) {
	body, err := json.Marshal(map[string]string{
		"title":       title,
		"description": description,
	})
	if err != nil {
		return Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/review", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("moderation service returned %d", resp.StatusCode)
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode moderation response: %w", err)
	}
	return v, nil
}

// ApproveAll is an Oracle that approves everything. Used in tests and when
// no moderation service is configured.
type ApproveAll struct{}

func (ApproveAll) Review(ctx context.Context, title, description string) (Verdict, error) {
	return Verdict{Approved: true}, nil
}
