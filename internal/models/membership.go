package models

import (
	"time"

	"github.com/google/uuid"
)

// MembershipRole is the level of access a principal holds on an environment.
type MembershipRole string

const (
	RoleOwner  MembershipRole = "owner"
	RoleMember MembershipRole = "member"
)

// Membership associates a principal with an Environment. The owner membership
// is created in the same transaction as the environment row and every
// membership is removed by the database cascade when the environment row is
// deleted.
type Membership struct {
	EnvironmentID uint64         `gorm:"primaryKey;autoIncrement:false" json:"environment_id" validate:"required"`
	PrincipalID   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"principal_id" validate:"required"`
	Role          MembershipRole `gorm:"type:varchar(16);not null" json:"role" validate:"required,oneof=owner member"`
	// LocalIdentity is the sandbox-scoped account name derived from the
	// principal, restricted to a safe identifier alphabet.
	LocalIdentity string    `gorm:"type:varchar(32);not null" json:"local_identity"`
	CreatedAt     time.Time `json:"created_at"`

	Environment Environment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
