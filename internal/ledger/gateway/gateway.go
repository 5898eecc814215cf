// Package gateway implements the ledger contract against the ledger's HTTP
// gateway. One Client is one authenticated HTTP session; pooling and retry
// live above this package.
package gateway

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

	"github.com/gezibash/vault-node/internal/ledger"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP implementation of ledger.Client.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// New creates a gateway client. No connection is established until the
// first call; use Ping for a startup probe.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base URL is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// HasCredentials reports whether this client can author writes.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

type entityBody struct {
	Key               string            `json:"key,omitempty"`
	Payload           []byte            `json:"payload"`
	Attributes        map[string]string `json:"attributes"`
	NumericAttributes map[string]int64  `json:"numeric_attributes,omitempty"`
	ExpirationBlock   uint64            `json:"expiration_block"`
	CreatedAt         time.Time         `json:"created_at,omitempty"`
}

func toBody(e *ledger.Entity) entityBody {
	return entityBody{
		Payload:           e.Payload,
		Attributes:        e.Attributes,
		NumericAttributes: e.NumericAttributes,
		ExpirationBlock:   e.ExpirationBlock,
	}
}

func fromBody(b entityBody) *ledger.Entity {
	return &ledger.Entity{
		Key:               b.Key,
		Payload:           b.Payload,
		Attributes:        b.Attributes,
		NumericAttributes: b.NumericAttributes,
		ExpirationBlock:   b.ExpirationBlock,
		CreatedAt:         b.CreatedAt,
	}
}

// Create persists one entity and returns its minted key.
func (c *Client) Create(ctx context.Context, e *ledger.Entity) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/entities", toBody(e), &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", fmt.Errorf("gateway returned empty entity key")
	}
	return out.Key, nil
}

// CreateBatch persists entities in one transaction. The gateway returns
// minted keys in input order or fails the whole batch.
func (c *Client) CreateBatch(ctx context.Context, entities []*ledger.Entity) ([]string, error) {
	bodies := make([]entityBody, len(entities))
	for i, e := range entities {
		bodies[i] = toBody(e)
	}

	var out struct {
		Keys []string `json:"keys"`
	}
	req := map[string]any{"entities": bodies}
	if err := c.do(ctx, http.MethodPost, "/v1/entities/batch", req, &out); err != nil {
		return nil, err
	}
	if len(out.Keys) != len(entities) {
		return nil, fmt.Errorf("gateway returned %d keys for %d entities", len(out.Keys), len(entities))
	}
	return out.Keys, nil
}

// GetByKey fetches one entity by its ledger key.
func (c *Client) GetByKey(ctx context.Context, key string) (*ledger.Entity, error) {
	var out entityBody
	if err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	if out.Key == "" {
		out.Key = key
	}
	return fromBody(out), nil
}

// Query returns one page of entities matching the attribute filter.
func (c *Client) Query(ctx context.Context, req ledger.QueryRequest) (ledger.QueryPage, error) {
	body := map[string]any{
		"attributes": req.Attributes,
		"limit":      req.Limit,
		"cursor":     req.Cursor,
		"descending": req.Descending,
	}

	var out struct {
		Entities   []entityBody `json:"entities"`
		NextCursor string       `json:"next_cursor"`
		HasMore    bool         `json:"has_more"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/entities/query", body, &out); err != nil {
		return ledger.QueryPage{}, err
	}

	page := ledger.QueryPage{NextCursor: out.NextCursor, HasMore: out.HasMore}
	for _, b := range out.Entities {
		page.Entities = append(page.Entities, fromBody(b))
	}
	return page, nil
}

// ChainInfo returns the current block and block duration.
func (c *Client) ChainInfo(ctx context.Context) (ledger.ChainInfo, error) {
	var out struct {
		CurrentBlock         uint64  `json:"current_block"`
		BlockDurationSeconds float64 `json:"block_duration_seconds"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/chain/info", nil, &out); err != nil {
		return ledger.ChainInfo{}, err
	}
	return ledger.ChainInfo{
		CurrentBlock:  out.CurrentBlock,
		BlockDuration: time.Duration(out.BlockDurationSeconds * float64(time.Second)),
	}, nil
}

// Ping probes gateway reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ChainInfo(ctx)
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ledger.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway returned %s", ledger.ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway rejected %s %s: %s: %s", method, path, resp.Status, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
