package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EnvironmentKind distinguishes the two provisioning targets sharing one table.
type EnvironmentKind string

const (
	KindWorkspace EnvironmentKind = "workspace"
	KindApp       EnvironmentKind = "app"
)

// Environment is the local record of one remote compute environment (a dev
// workspace or a deployed app). A row exists only after the control plane has
// durably confirmed the environment's application object; the remote side may
// transiently exist without a row during provisioning, never the reverse.
type Environment struct {
	// ID is reserved from a monotonic sequence before any remote call so it
	// can be embedded in the remote name.
	ID         uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OwnerID    uuid.UUID       `gorm:"type:uuid;not null;index:idx_environments_owner_name,unique" json:"owner_id" validate:"required"`
	Name       string          `gorm:"type:varchar(64);not null;index:idx_environments_owner_name,unique" json:"name" validate:"required"`
	Kind       EnvironmentKind `gorm:"type:varchar(16);not null" json:"kind" validate:"required,oneof=workspace app"`
	RemoteName string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"remote_name" validate:"required"`

	// ExternalURL is empty until a network identity exists.
	ExternalURL string `gorm:"type:text" json:"external_url"`
	// Status is a cached copy of the last reconciled status; the control
	// plane remains the source of truth for actual machine state.
	Status string `gorm:"type:varchar(32)" json:"status"`
	Region string `gorm:"type:varchar(16)" json:"region"`
	// DataStore is the remote name of the linked database cluster, if any.
	DataStore string `gorm:"type:varchar(64)" json:"data_store,omitempty"`
	// Profile snapshots the provisioning policy the environment was created
	// with, so later policy changes do not silently re-shape existing rows.
	Profile datatypes.JSONMap `gorm:"type:jsonb" json:"profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
