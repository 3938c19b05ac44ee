package models

// Asset is a record from the asset inventory service. The engine resolves
// step targets against it and reads connection metadata from it; the core
// never writes assets.
type Asset struct {
	AssetID     string         `json:"asset_id"`
	TenantID    string         `json:"tenant_id"`
	Hostname    string         `json:"hostname"`
	Name        string         `json:"name,omitempty"`
	AssetType   string         `json:"asset_type,omitempty"`
	OS          string         `json:"os,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Address     string         `json:"address,omitempty"`
	Port        int            `json:"port,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
