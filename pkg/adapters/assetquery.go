package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/runforge/execore/pkg/assets"
	"github.com/runforge/execore/pkg/models"
)

// AssetQueryAdapter queries the asset inventory service.
//
// Input contract: `query` is one of `list`, `count`, `by_id`, `by_hostname`.
// `list` accepts optional `type`, `fields`, `limit`, `offset`; `count`
// accepts `type`; `by_id` requires `asset_id`; `by_hostname` requires
// `hostname`.
type AssetQueryAdapter struct {
	client assets.Querier
}

// NewAssetQueryAdapter creates the asset-query adapter.
func NewAssetQueryAdapter(client assets.Querier) *AssetQueryAdapter {
	return &AssetQueryAdapter{client: client}
}

func (a *AssetQueryAdapter) Type() models.StepType { return models.StepTypeAssetQuery }

func (a *AssetQueryAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, cancelCtx := context.WithTimeout(ctx, req.Timeout)
	defer cancelCtx()

	query := inputStringDefault(req.Input, "query", "list")
	switch query {
	case "list":
		found, err := a.client.List(ctx, assets.ListQuery{
			Type:   inputString(req.Input, "type"),
			Fields: inputStringSlice(req.Input, "fields"),
			Limit:  inputInt(req.Input, "limit", 0),
			Offset: inputInt(req.Input, "offset", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("asset list query failed: %w", err)
		}
		return assetResult(models.JSONMap{"assets": toJSON(found), "count": len(found)})
	case "count":
		n, err := a.client.Count(ctx, inputString(req.Input, "type"))
		if err != nil {
			return nil, fmt.Errorf("asset count query failed: %w", err)
		}
		return assetResult(models.JSONMap{"count": n})
	case "by_id":
		assetID := inputString(req.Input, "asset_id")
		if assetID == "" {
			return nil, errors.New("asset by_id query requires input.asset_id")
		}
		asset, err := a.client.GetByID(ctx, assetID)
		if err != nil {
			return nil, fmt.Errorf("asset lookup failed: %w", err)
		}
		return assetResult(models.JSONMap{"asset": toJSON(asset)})
	case "by_hostname":
		hostname := inputString(req.Input, "hostname")
		if hostname == "" {
			return nil, errors.New("asset by_hostname query requires input.hostname")
		}
		asset, err := a.client.GetByHostname(ctx, hostname)
		if err != nil {
			return nil, fmt.Errorf("asset lookup failed: %w", err)
		}
		return assetResult(models.JSONMap{"asset": toJSON(asset)})
	default:
		return nil, fmt.Errorf("unknown asset query %q", query)
	}
}

func assetResult(output models.JSONMap) (*Result, error) {
	return &Result{ExitCode: intPtr(0), Output: output}, nil
}

// toJSON round-trips a typed value into the generic form JSONMap columns
// store.
func toJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
