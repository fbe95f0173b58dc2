package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skiff-cloud/engine/internal/models"
	appErr "github.com/skiff-cloud/engine/pkg/errors"
)

// MembershipRepository manages the principal-to-environment associations.
// The (environment_id, principal_id) pair is the composite primary key, so
// the generic base repository does not apply here.
type MembershipRepository interface {
	Create(ctx context.Context, m *models.Membership) error
	Get(ctx context.Context, environmentID uint64, principalID uuid.UUID) (*models.Membership, error)
	ListByEnvironment(ctx context.Context, environmentID uint64) ([]models.Membership, error)
	ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]models.Membership, error)
	Delete(ctx context.Context, environmentID uint64, principalID uuid.UUID) error
}

type membershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

func (r *membershipRepository) Create(ctx context.Context, m *models.Membership) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.New(appErr.CodeAlreadyExists, "membership already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create membership failed")
	}
	return nil
}

func (r *membershipRepository) Get(ctx context.Context, environmentID uint64, principalID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).
		Where("environment_id = ? AND principal_id = ?", environmentID, principalID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "membership not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get membership failed")
	}
	return &m, nil
}

func (r *membershipRepository) ListByEnvironment(ctx context.Context, environmentID uint64) ([]models.Membership, error) {
	var out []models.Membership
	if err := r.db.WithContext(ctx).Where("environment_id = ?", environmentID).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list memberships failed")
	}
	return out, nil
}

func (r *membershipRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID) ([]models.Membership, error) {
	var out []models.Membership
	if err := r.db.WithContext(ctx).Where("principal_id = ?", principalID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list memberships failed")
	}
	return out, nil
}

func (r *membershipRepository) Delete(ctx context.Context, environmentID uint64, principalID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("environment_id = ? AND principal_id = ?", environmentID, principalID).
		Delete(&models.Membership{})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "delete membership failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "membership not found")
	}
	return nil
}
