package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skiff-cloud/engine/internal/models"
	appErr "github.com/skiff-cloud/engine/pkg/errors"
)

// EnvironmentRepository is the durable record of every managed environment.
// No component talks to the control plane without consulting it first.
type EnvironmentRepository interface {
	BaseRepository[models.Environment]

	// ReserveID draws the next value from the environment id sequence. The id
	// is reserved before any remote call so the remote name derived from it is
	// stable across retries.
	ReserveID(ctx context.Context) (uint64, error)

	// FindByOwnerAndName returns the environment for the (owner, name) pair,
	// or a not_found error.
	FindByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*models.Environment, error)

	// FindForPrincipal returns the named environment if the principal holds
	// any membership on it.
	FindForPrincipal(ctx context.Context, principalID uuid.UUID, name string) (*models.Environment, error)

	// FindOwned returns the named environment only if the principal holds the
	// owner membership. Absence is reported as not_found so non-owners cannot
	// distinguish "no such environment" from "not yours".
	FindOwned(ctx context.Context, principalID uuid.UUID, name string) (*models.Environment, error)

	// CreateWithOwner inserts the environment and its owner membership in one
	// transaction. A unique-constraint conflict on (owner_id, name) is
	// reported as already_exists so callers can re-read the winning row.
	CreateWithOwner(ctx context.Context, env *models.Environment, owner *models.Membership) error

	// UpdateObserved writes back a reconciled status and external URL.
	UpdateObserved(ctx context.Context, id uint64, status, externalURL string) error

	// SetDataStore records the linked database cluster for an environment.
	SetDataStore(ctx context.Context, id uint64, remoteName string) error
}

type environmentRepository struct {
	BaseRepository[models.Environment]
	db *gorm.DB
}

func NewEnvironmentRepository(db *gorm.DB) EnvironmentRepository {
	return &environmentRepository{BaseRepository: NewBaseRepository[models.Environment](db), db: db}
}

func (r *environmentRepository) ReserveID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := r.db.WithContext(ctx).Raw("SELECT nextval('environment_id_seq')").Scan(&id).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "reserve environment id failed")
	}
	return id, nil
}

func (r *environmentRepository) FindByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*models.Environment, error) {
	var env models.Environment
	err := r.db.WithContext(ctx).Where("owner_id = ? AND name = ?", ownerID, name).First(&env).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "environment not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get environment failed")
	}
	return &env, nil
}

func (r *environmentRepository) FindForPrincipal(ctx context.Context, principalID uuid.UUID, name string) (*models.Environment, error) {
	return r.findWithMembership(ctx, principalID, name, "")
}

func (r *environmentRepository) FindOwned(ctx context.Context, principalID uuid.UUID, name string) (*models.Environment, error) {
	return r.findWithMembership(ctx, principalID, name, models.RoleOwner)
}

func (r *environmentRepository) findWithMembership(ctx context.Context, principalID uuid.UUID, name string, role models.MembershipRole) (*models.Environment, error) {
	q := r.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.environment_id = environments.id").
		Where("environments.name = ? AND memberships.principal_id = ?", name, principalID)
	if role != "" {
		q = q.Where("memberships.role = ?", role)
	}
	var env models.Environment
	if err := q.First(&env).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "environment not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get environment failed")
	}
	return &env, nil
}

func (r *environmentRepository) CreateWithOwner(ctx context.Context, env *models.Environment, owner *models.Membership) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(env).Error; err != nil {
			return err
		}
		owner.EnvironmentID = env.ID
		return tx.Create(owner).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.New(appErr.CodeAlreadyExists, "environment already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "commit environment failed")
	}
	return nil
}

func (r *environmentRepository) UpdateObserved(ctx context.Context, id uint64, status, externalURL string) error {
	updates := map[string]any{"status": status}
	if externalURL != "" {
		updates["external_url"] = externalURL
	}
	res := r.db.WithContext(ctx).Model(&models.Environment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update observed state failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "environment not found")
	}
	return nil
}

func (r *environmentRepository) SetDataStore(ctx context.Context, id uint64, remoteName string) error {
	res := r.db.WithContext(ctx).Model(&models.Environment{}).Where("id = ?", id).Update("data_store", remoteName)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set data store failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "environment not found")
	}
	return nil
}
