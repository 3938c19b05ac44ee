package models

import "time"

// AssetLock is the per-asset mutual exclusion record. At most one active lock
// exists per (asset_id, tenant_id); holders heartbeat to stay alive and any
// worker may reap an expired or silent lock.
type AssetLock struct {
	LockID          string    `db:"lock_id" json:"lock_id"`
	AssetID         string    `db:"asset_id" json:"asset_id"`
	TenantID        string    `db:"tenant_id" json:"tenant_id"`
	ExecutionID     string    `db:"execution_id" json:"execution_id"`
	OwnerTag        string    `db:"owner_tag" json:"owner_tag"`
	AcquiredAt      time.Time `db:"acquired_at" json:"acquired_at"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	IsActive        bool      `db:"is_active" json:"is_active"`
}
