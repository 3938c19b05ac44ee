// Package assets is the client for the asset inventory service: target
// resolution for the execution engine and the backing store of the
// asset-query step adapter.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/runforge/execore/pkg/config"
)

// ErrAssetNotFound is returned when the inventory has no matching asset.
var ErrAssetNotFound = errors.New("asset not found")

// Asset is one inventory record.
type Asset struct {
	AssetID     string            `json:"asset_id"`
	Hostname    string            `json:"hostname"`
	Type        string            `json:"type,omitempty"`
	OS          string            `json:"os,omitempty"`
	Environment string            `json:"environment,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ListQuery filters and projects an asset listing.
type ListQuery struct {
	Type   string   // filter by asset type
	Fields []string // optional field projection
	Limit  int
	Offset int
}

// Resolver is the slice of the client the engine needs for target
// resolution.
type Resolver interface {
	GetByID(ctx context.Context, assetID string) (*Asset, error)
	GetByHostname(ctx context.Context, hostname string) (*Asset, error)
}

// Querier is the slice of the client the asset-query adapter needs.
type Querier interface {
	Resolver
	List(ctx context.Context, q ListQuery) ([]*Asset, error)
	Count(ctx context.Context, assetType string) (int, error)
}

// Client talks to the asset inventory HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient builds an inventory client from configuration. The bearer token
// is read from the environment variable the config names.
func NewClient(cfg *config.AssetServiceConfig) *Client {
	token := ""
	if cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout()},
		token:   token,
	}
}

// GetByID fetches one asset by its inventory ID.
func (c *Client) GetByID(ctx context.Context, assetID string) (*Asset, error) {
	var asset Asset
	if err := c.get(ctx, "/api/v1/assets/"+url.PathEscape(assetID), nil, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// GetByHostname fetches one asset by hostname.
func (c *Client) GetByHostname(ctx context.Context, hostname string) (*Asset, error) {
	var assets []*Asset
	params := url.Values{"hostname": {hostname}}
	if err := c.get(ctx, "/api/v1/assets", params, &assets); err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: hostname %s", ErrAssetNotFound, hostname)
	}
	return assets[0], nil
}

// List returns assets matching the query.
func (c *Client) List(ctx context.Context, q ListQuery) ([]*Asset, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	var assets []*Asset
	if err := c.get(ctx, "/api/v1/assets", params, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// Count returns how many assets of a type exist.
func (c *Client) Count(ctx context.Context, assetType string) (int, error) {
	params := url.Values{}
	if assetType != "" {
		params.Set("type", assetType)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, "/api/v1/assets/count", params, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build asset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("asset service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrAssetNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("asset service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode asset response: %w", err)
	}
	return nil
}
