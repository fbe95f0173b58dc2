package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skiff-cloud/engine/internal/controlplane"
	"github.com/skiff-cloud/engine/internal/models"
	"github.com/skiff-cloud/engine/internal/naming"
	"github.com/skiff-cloud/engine/internal/reconciler"
	"github.com/skiff-cloud/engine/internal/registry"
	"github.com/skiff-cloud/engine/internal/repository"
	appErr "github.com/skiff-cloud/engine/pkg/errors"
	"github.com/skiff-cloud/engine/pkg/logger"
	"github.com/skiff-cloud/engine/pkg/utils"
)

const appPrefix = "app"

// DeployService manages deployed applications: a prepare phase that registers
// the remote application and its attachments, an upload phase that pushes a
// release, and a status phase that reads the deployed state back.
type DeployService interface {
	Prepare(ctx context.Context, ownerID uuid.UUID, input *PrepareDeployInput) (*PrepareDeployOutput, error)
	Upload(ctx context.Context, principalID uuid.UUID, name string, input *UploadReleaseInput) (*controlplane.Release, error)
	Status(ctx context.Context, principalID uuid.UUID, name string) (*DeployStatusOutput, error)
}

type PrepareDeployInput struct {
	Name         string            `json:"name" validate:"required,min=1,max=64"`
	Env          map[string]string `json:"env"`
	LinkDatabase bool              `json:"link_database"`
}

type PrepareDeployOutput struct {
	URL      string   `json:"url"`
	Warnings []string `json:"warnings,omitempty"`
}

type UploadReleaseInput struct {
	Image    string `json:"image" validate:"required"`
	Strategy string `json:"strategy" validate:"omitempty,oneof=rolling immediate canary"`
}

type DeployStatusOutput struct {
	Status  string `json:"status"`
	URL     string `json:"url"`
	Version int    `json:"version"`
}

// DeployOptions is the fixed policy for deployed applications.
type DeployOptions struct {
	Region           string
	AppDomain        string
	DataStoreCluster string
}

type deployService struct {
	envs    repository.EnvironmentRepository
	client  controlplane.API
	tracker *registry.Tracker
	opts    DeployOptions
}

func NewDeployService(
	envs repository.EnvironmentRepository,
	client controlplane.API,
	tracker *registry.Tracker,
	opts DeployOptions,
) DeployService {
	return &deployService{envs: envs, client: client, tracker: tracker, opts: opts}
}

var _ DeployService = (*deployService)(nil)

// Prepare registers everything a release upload needs. Every step checks the
// current state and skips work already done, so a failed prepare can simply be
// re-run: it picks up where the previous attempt stopped.
func (s *deployService) Prepare(ctx context.Context, ownerID uuid.UUID, input *PrepareDeployInput) (*PrepareDeployOutput, error) {
	log := logger.With(zap.String("owner_id", ownerID.String()), zap.String("name", input.Name))

	var (
		env        *models.Environment
		remoteName string
		id         uint64
		warnings   []string
	)

	// Resume on an existing record if one has been committed; otherwise
	// reserve an id and mint a randomized remote name (deployed apps share
	// the control plane namespace with everyone else's, so a collision on
	// first registration just means minting again on retry).
	existing, err := s.envs.FindByOwnerAndName(ctx, ownerID, input.Name)
	switch {
	case err == nil:
		env = existing
		remoteName = existing.RemoteName
		id = existing.ID
	case appErr.IsCode(err, appErr.CodeNotFound):
		id, err = s.envs.ReserveID(ctx)
		if err != nil {
			return nil, err
		}
		remoteName = naming.Random(appPrefix)
	default:
		return nil, err
	}
	log = log.With(zap.String("remote_name", remoteName))

	// Register the application if the control plane does not know it yet.
	app, err := s.client.GetApp(ctx, remoteName)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "look up remote application failed")
	}
	if app == nil {
		if _, err := s.client.CreateApp(ctx, controlplane.CreateAppRequest{Name: remoteName}); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "create remote application failed")
		}
		log.Info("remote application registered")
	}

	// Link the shared database cluster. The local row remembers the link,
	// so a resumed prepare does not re-attach; a conflict from the control
	// plane means the attachment already exists and counts as done.
	if input.LinkDatabase && s.opts.DataStoreCluster != "" {
		if env == nil || env.DataStore != s.opts.DataStoreCluster {
			err := s.client.AttachDatabase(ctx, remoteName, s.opts.DataStoreCluster)
			if err != nil && !isConflict(err) {
				return nil, appErr.Wrap(err, appErr.CodeInternal, "attach database failed")
			}
			if env != nil {
				if serr := s.envs.SetDataStore(ctx, env.ID, s.opts.DataStoreCluster); serr != nil {
					log.Warn("record database link failed", zap.Error(serr))
				}
			}
		}
	}

	// Stage secrets. Best-effort, as for workspaces: staging can be re-run
	// and a failure should not strand a registered application.
	secrets := make(map[string]string, len(input.Env)+1)
	for k, v := range input.Env {
		secrets[k] = v
	}
	secrets["SKIFF_APP_NAME"] = remoteName
	if err := s.client.SetSecrets(ctx, remoteName, secrets); err != nil {
		log.Warn("stage secrets failed", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("secret staging failed: %v", err))
	}

	externalURL := fmt.Sprintf("https://%s.%s/", remoteName, s.opts.AppDomain)
	if env == nil {
		row := &models.Environment{
			ID:          id,
			OwnerID:     ownerID,
			Name:        input.Name,
			Kind:        models.KindApp,
			RemoteName:  remoteName,
			ExternalURL: externalURL,
			Status:      reconciler.StatusCreating,
			Region:      s.opts.Region,
		}
		if input.LinkDatabase {
			row.DataStore = s.opts.DataStoreCluster
		}
		owner := &models.Membership{
			PrincipalID:   ownerID,
			Role:          models.RoleOwner,
			LocalIdentity: utils.SanitizeIdent(ownerID.String()),
		}
		if err := s.envs.CreateWithOwner(ctx, row, owner); err != nil {
			if appErr.IsCode(err, appErr.CodeAlreadyExists) {
				winner, rerr := s.envs.FindByOwnerAndName(ctx, ownerID, input.Name)
				if rerr != nil {
					return nil, rerr
				}
				log.Info("concurrent prepare lost the commit race, returning winner",
					zap.String("winning_remote_name", winner.RemoteName))
				return &PrepareDeployOutput{URL: winner.ExternalURL, Warnings: warnings}, nil
			}
			return nil, err
		}
	}

	log.Info("application prepared", zap.String("url", externalURL))
	return &PrepareDeployOutput{URL: externalURL, Warnings: warnings}, nil
}

// Upload pushes a release image. Starting a new upload for an application
// supersedes any upload still in flight for it: the older one is cancelled
// through the tracker so two releases never interleave.
func (s *deployService) Upload(ctx context.Context, principalID uuid.UUID, name string, input *UploadReleaseInput) (*controlplane.Release, error) {
	env, err := s.envs.FindForPrincipal(ctx, principalID, name)
	if err != nil {
		return nil, err
	}
	if env.Kind != models.KindApp {
		return nil, appErr.New(appErr.CodeInvalid, "environment is not a deployable application")
	}

	uploadCtx, done := s.tracker.Begin(ctx, env.RemoteName)
	defer done()

	release, err := s.client.UploadRelease(uploadCtx, env.RemoteName, controlplane.ReleaseRequest{
		Image:    input.Image,
		Strategy: input.Strategy,
	})
	if err != nil {
		if uploadCtx.Err() == context.Canceled && ctx.Err() == nil {
			return nil, appErr.New(appErr.CodeConflict, "upload superseded by a newer release")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "upload release failed")
	}

	logger.L().Info("release uploaded",
		zap.String("remote_name", env.RemoteName),
		zap.String("release_id", release.ID),
		zap.Int("version", release.Version),
	)
	return release, nil
}

// Status reads the deployed application state from the control plane and
// opportunistically refreshes the cached URL when the reported hostname
// disagrees with it.
func (s *deployService) Status(ctx context.Context, principalID uuid.UUID, name string) (*DeployStatusOutput, error) {
	env, err := s.envs.FindForPrincipal(ctx, principalID, name)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return &DeployStatusOutput{Status: reconciler.StatusNotFound}, nil
		}
		return nil, err
	}

	st, err := s.client.GetAppStatus(ctx, env.RemoteName)
	if err != nil {
		return &DeployStatusOutput{Status: reconciler.StatusError, URL: env.ExternalURL}, nil
	}
	if st == nil {
		return &DeployStatusOutput{Status: reconciler.StatusNotFound}, nil
	}

	url := env.ExternalURL
	if st.Hostname != "" {
		reported := fmt.Sprintf("https://%s/", st.Hostname)
		if reported != url {
			url = reported
			if uerr := s.envs.UpdateObserved(ctx, env.ID, st.Status, url); uerr != nil {
				logger.L().Warn("refresh cached url failed",
					zap.String("remote_name", env.RemoteName),
					zap.Error(uerr),
				)
			}
		}
	}

	status := st.Status
	if !st.Deployed {
		status = reconciler.StatusCreating
	}
	return &DeployStatusOutput{Status: status, URL: url, Version: st.Version}, nil
}

func isConflict(err error) bool {
	var rerr *controlplane.RemoteAPIError
	return errors.As(err, &rerr) && rerr.Status == 409
}
