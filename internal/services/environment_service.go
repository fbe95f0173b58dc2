package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/skiff-cloud/engine/internal/controlplane"
	"github.com/skiff-cloud/engine/internal/models"
	"github.com/skiff-cloud/engine/internal/naming"
	"github.com/skiff-cloud/engine/internal/reconciler"
	"github.com/skiff-cloud/engine/internal/repository"
	appErr "github.com/skiff-cloud/engine/pkg/errors"
	"github.com/skiff-cloud/engine/pkg/logger"
	"github.com/skiff-cloud/engine/pkg/utils"
)

const workspacePrefix = "ws"

// EnvironmentService is the create/status/stop/destroy surface for dev
// workspaces. Callers are already authenticated; this layer enforces only
// resource-level authorization via memberships.
type EnvironmentService interface {
	Create(ctx context.Context, ownerID uuid.UUID, input *CreateEnvironmentInput) (*CreateEnvironmentOutput, error)
	Status(ctx context.Context, principalID uuid.UUID, name string) (*reconciler.Result, error)
	Stop(ctx context.Context, principalID uuid.UUID, name string) error
	Destroy(ctx context.Context, principalID uuid.UUID, name string) error
	List(ctx context.Context, principalID uuid.UUID) ([]models.Environment, error)
}

type CreateEnvironmentInput struct {
	Name string            `json:"name" validate:"required,min=1,max=64"`
	Env  map[string]string `json:"env"`
}

type CreateEnvironmentOutput struct {
	URL string `json:"url"`
	// Warnings carries the soft failures (network identity, secret staging)
	// that did not stop provisioning but that the caller should know about.
	Warnings []string `json:"warnings,omitempty"`
}

// EnvironmentOptions is the fixed provisioning policy for workspaces.
type EnvironmentOptions struct {
	Region         string
	WorkspaceImage string
	AppDomain      string
	VolumeSizeGB   int
	GuestCPUs      int
	GuestCPUKind   string
	GuestMemoryMB  int
	InternalPort   int
}

func (o *EnvironmentOptions) applyDefaults() {
	if o.VolumeSizeGB <= 0 {
		o.VolumeSizeGB = 10
	}
	if o.GuestCPUs <= 0 {
		o.GuestCPUs = 2
	}
	if o.GuestCPUKind == "" {
		o.GuestCPUKind = "shared"
	}
	if o.GuestMemoryMB <= 0 {
		o.GuestMemoryMB = 2048
	}
	if o.InternalPort <= 0 {
		o.InternalPort = 8080
	}
}

type environmentService struct {
	envs        repository.EnvironmentRepository
	memberships repository.MembershipRepository
	client      controlplane.API
	rec         *reconciler.Reconciler
	opts        EnvironmentOptions
}

func NewEnvironmentService(
	envs repository.EnvironmentRepository,
	memberships repository.MembershipRepository,
	client controlplane.API,
	rec *reconciler.Reconciler,
	opts EnvironmentOptions,
) EnvironmentService {
	opts.applyDefaults()
	return &environmentService{envs: envs, memberships: memberships, client: client, rec: rec, opts: opts}
}

var _ EnvironmentService = (*environmentService)(nil)

// attempt tracks what one provisioning call has created on the remote side so
// far, purely for compensating rollback. It lives no longer than the request.
type attempt struct {
	remoteName string
	volumeID   string
	warnings   []string
}

func (a *attempt) warnf(format string, args ...any) {
	a.warnings = append(a.warnings, fmt.Sprintf(format, args...))
}

// Create is the provisioning state machine. It is idempotent for a given
// (owner, name): a repeat call returns the committed URL without touching the
// control plane, and two concurrent calls converge on one winner through the
// unique constraint at commit time.
func (s *environmentService) Create(ctx context.Context, ownerID uuid.UUID, input *CreateEnvironmentInput) (*CreateEnvironmentOutput, error) {
	log := logger.With(zap.String("owner_id", ownerID.String()), zap.String("name", input.Name))

	// Idempotency check: an existing row means a previous call committed.
	existing, err := s.envs.FindByOwnerAndName(ctx, ownerID, input.Name)
	if err == nil {
		log.Info("environment already provisioned", zap.String("remote_name", existing.RemoteName))
		return &CreateEnvironmentOutput{URL: existing.ExternalURL}, nil
	}
	if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}

	// Reserve the local id first so the remote name is deterministic for
	// this environment from here on.
	id, err := s.envs.ReserveID(ctx)
	if err != nil {
		return nil, err
	}
	att := &attempt{remoteName: naming.ForID(workspacePrefix, id)}
	localIdent := utils.SanitizeIdent(ownerID.String())
	log = log.With(zap.String("remote_name", att.remoteName))

	// Create the top-level application. Nothing remote exists before this
	// succeeds, so a failure here needs no compensation.
	if _, err := s.client.CreateApp(ctx, controlplane.CreateAppRequest{Name: att.remoteName}); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create remote application failed")
	}
	log.Info("remote application created")

	// Persistent storage, sized by fixed policy. A failure rolls the
	// application back: destroy cascades and nothing else exists yet.
	vol, err := s.client.CreateVolume(ctx, att.remoteName, controlplane.CreateVolumeRequest{
		Name:   naming.ForID("data", id),
		SizeGB: s.opts.VolumeSizeGB,
		Region: s.opts.Region,
	})
	if err != nil {
		log.Error("create volume failed, rolling back application", zap.Error(err))
		if derr := s.client.DestroyApp(ctx, att.remoteName); derr != nil {
			log.Warn("rollback destroy failed", zap.Error(derr))
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create volume failed")
	}
	att.volumeID = vol.ID

	// Network identity is best-effort; the environment stays usable and an
	// address can be allocated later.
	if _, err := s.client.AllocateIP(ctx, att.remoteName); err != nil {
		log.Warn("allocate network address failed", zap.Error(err))
		att.warnf("network address allocation failed: %v", err)
	}

	// Stage secrets: caller values merged with orchestrator-injected ones.
	// Also best-effort; secrets can be re-staged.
	secrets := make(map[string]string, len(input.Env)+2)
	for k, v := range input.Env {
		secrets[k] = v
	}
	secrets["SKIFF_APP_NAME"] = att.remoteName
	secrets["SKIFF_LOCAL_USER"] = localIdent
	if err := s.client.SetSecrets(ctx, att.remoteName, secrets); err != nil {
		log.Warn("stage secrets failed", zap.Error(err))
		att.warnf("secret staging failed: %v", err)
	}

	// The compute instance itself. On failure the application and volume
	// stay in place: a retry with the same remote name can reuse them, and
	// compensating here would break that. Known gap: a caller that never
	// retries leaves the app for an operator to reap.
	if _, err := s.client.CreateMachine(ctx, att.remoteName, s.machineRequest(att, secrets)); err != nil {
		log.Error("create machine failed, leaving application for retry reuse", zap.Error(err))
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create machine failed")
	}

	externalURL := fmt.Sprintf("https://%s.%s/", att.remoteName, s.opts.AppDomain)
	env := &models.Environment{
		ID:          id,
		OwnerID:     ownerID,
		Name:        input.Name,
		Kind:        models.KindWorkspace,
		RemoteName:  att.remoteName,
		ExternalURL: externalURL,
		Status:      reconciler.StatusStarting,
		Region:      s.opts.Region,
		Profile: datatypes.JSONMap{
			"image":          s.opts.WorkspaceImage,
			"volume_size_gb": s.opts.VolumeSizeGB,
			"cpus":           s.opts.GuestCPUs,
			"cpu_kind":       s.opts.GuestCPUKind,
			"memory_mb":      s.opts.GuestMemoryMB,
		},
	}
	owner := &models.Membership{
		PrincipalID:   ownerID,
		Role:          models.RoleOwner,
		LocalIdentity: localIdent,
	}
	if err := s.envs.CreateWithOwner(ctx, env, owner); err != nil {
		if appErr.IsCode(err, appErr.CodeAlreadyExists) {
			// Someone else finished first; their row wins.
			winner, rerr := s.envs.FindByOwnerAndName(ctx, ownerID, input.Name)
			if rerr != nil {
				return nil, rerr
			}
			log.Info("concurrent create lost the commit race, returning winner",
				zap.String("winning_remote_name", winner.RemoteName))
			return &CreateEnvironmentOutput{URL: winner.ExternalURL, Warnings: att.warnings}, nil
		}
		return nil, err
	}

	log.Info("environment provisioned", zap.String("url", externalURL))
	return &CreateEnvironmentOutput{URL: externalURL, Warnings: att.warnings}, nil
}

func (s *environmentService) machineRequest(att *attempt, env map[string]string) controlplane.CreateMachineRequest {
	return controlplane.CreateMachineRequest{
		Name:   att.remoteName,
		Region: s.opts.Region,
		Config: controlplane.MachineConfig{
			Image: s.opts.WorkspaceImage,
			Guest: controlplane.GuestConfig{
				CPUs:     s.opts.GuestCPUs,
				CPUKind:  s.opts.GuestCPUKind,
				MemoryMB: s.opts.GuestMemoryMB,
			},
			Services: []controlplane.MachineService{{
				Protocol:     "tcp",
				InternalPort: s.opts.InternalPort,
				Ports: []controlplane.ServicePort{
					{Port: 80, Handlers: []string{"http"}},
					{Port: 443, Handlers: []string{"tls", "http"}},
				},
			}},
			Mounts:    []controlplane.MachineMount{{Volume: att.volumeID, Path: "/data"}},
			AutoStop:  true,
			AutoStart: true,
		},
	}
}

// Status resolves live state for any member of the environment. An absent row
// or a non-member both report not_found; no error is surfaced for either.
func (s *environmentService) Status(ctx context.Context, principalID uuid.UUID, name string) (*reconciler.Result, error) {
	env, err := s.envs.FindForPrincipal(ctx, principalID, name)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return &reconciler.Result{Status: reconciler.StatusNotFound}, nil
		}
		return nil, err
	}
	res := s.rec.Resolve(ctx, env)
	return &res, nil
}

// Stop halts every machine that is up. Any member may stop; nothing local is
// written because status on this path is always derived live.
func (s *environmentService) Stop(ctx context.Context, principalID uuid.UUID, name string) error {
	env, err := s.envs.FindForPrincipal(ctx, principalID, name)
	if err != nil {
		return err
	}

	machines, err := s.client.ListMachines(ctx, env.RemoteName)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "list machines failed")
	}
	for _, m := range machines {
		switch controlplane.NormalizeState(m.State) {
		case controlplane.StateStarted, controlplane.StateRunning, controlplane.StateStarting:
			if err := s.client.StopMachine(ctx, env.RemoteName, m.ID); err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "stop machine failed")
			}
			logger.L().Info("machine stopped",
				zap.String("remote_name", env.RemoteName),
				zap.String("machine_id", m.ID),
			)
		}
	}
	return nil
}

// Destroy removes the remote application (the control plane cascades to its
// machines and volumes) and then the local row (the database cascades to
// memberships). Only the owner may destroy; for anyone else the environment
// does not exist.
func (s *environmentService) Destroy(ctx context.Context, principalID uuid.UUID, name string) error {
	env, err := s.envs.FindOwned(ctx, principalID, name)
	if err != nil {
		return err
	}

	// The remote side is eventually consistent and may already be gone;
	// destruction errors never block local cleanup.
	if err := s.client.DestroyApp(ctx, env.RemoteName); err != nil {
		logger.L().Warn("remote destroy failed, proceeding with local cleanup",
			zap.String("remote_name", env.RemoteName),
			zap.Error(err),
		)
	}

	return s.envs.Delete(ctx, env.ID)
}

// List returns the environments the principal holds a membership on. Scoping
// to the caller's own memberships means no separate authorization error can
// arise here.
func (s *environmentService) List(ctx context.Context, principalID uuid.UUID) ([]models.Environment, error) {
	memberships, err := s.memberships.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Environment, 0, len(memberships))
	for _, m := range memberships {
		var env models.Environment
		if err := s.envs.GetByID(ctx, m.EnvironmentID, &env); err != nil {
			if appErr.IsCode(err, appErr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
