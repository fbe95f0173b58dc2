// Package reconciler resolves an environment's externally-visible status by
// combining the remote machine lifecycle state with an application-level
// liveness probe, and opportunistically writes the fresher status back to the
// local store. It is the only component allowed to do that write-back.
package reconciler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-cloud/engine/internal/controlplane"
	"github.com/skiff-cloud/engine/internal/models"
	"github.com/skiff-cloud/engine/internal/repository"
	"github.com/skiff-cloud/engine/pkg/logger"
)

// Statuses reported to callers. Remote lifecycle states outside the modeled
// set pass through as-is for forward compatibility.
const (
	StatusNotFound = "not_found"
	StatusCreating = "creating"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
	StatusUnknown  = "unknown"
)

const probeTimeout = 5 * time.Second

// Result is the reconciled view of one environment.
type Result struct {
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

type Reconciler struct {
	client controlplane.API
	envs   repository.EnvironmentRepository
	probe  *http.Client
}

func New(client controlplane.API, envs repository.EnvironmentRepository) *Reconciler {
	return &Reconciler{
		client: client,
		envs:   envs,
		probe:  &http.Client{Timeout: probeTimeout},
	}
}

// Resolve never returns an error: control-plane failures degrade to the
// "error" status with the underlying message attached.
func (r *Reconciler) Resolve(ctx context.Context, env *models.Environment) Result {
	machines, err := r.client.ListMachines(ctx, env.RemoteName)
	if err != nil {
		return Result{Status: StatusError, URL: env.ExternalURL, Message: err.Error()}
	}

	// The app exists (we have a committed row) but no machine has
	// materialized yet.
	if len(machines) == 0 {
		return Result{Status: StatusCreating, URL: env.ExternalURL}
	}

	state := controlplane.NormalizeState(machines[0].State)
	switch state {
	case controlplane.StateStarted, controlplane.StateRunning:
		// Infrastructure-level "running" is necessary but not sufficient:
		// the hosted process may still be initializing, so prefer the
		// application-level signal.
		if !r.alive(ctx, env.ExternalURL) {
			return Result{Status: StatusStarting, URL: env.ExternalURL}
		}
		r.persist(ctx, env, StatusRunning)
		return Result{Status: StatusRunning, URL: env.ExternalURL}

	case controlplane.StateStopped, controlplane.StateSuspended:
		return Result{Status: StatusStopped, URL: env.ExternalURL}

	case controlplane.StateCreated, controlplane.StateStarting:
		return Result{Status: StatusStarting, URL: env.ExternalURL}

	default:
		return Result{Status: state, URL: env.ExternalURL}
	}
}

// alive issues the application-level probe. Any response below 500 means the
// process is serving; timeouts and connection errors mean not yet.
func (r *Reconciler) alive(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// persist is best-effort: a failed cache write never fails the status call.
func (r *Reconciler) persist(ctx context.Context, env *models.Environment, status string) {
	if env.Status == status {
		return
	}
	if err := r.envs.UpdateObserved(ctx, env.ID, status, env.ExternalURL); err != nil {
		logger.L().Warn("persist reconciled status failed",
			zap.Uint64("environment_id", env.ID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
