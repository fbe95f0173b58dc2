package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skiff-cloud/engine/internal/controlplane"
	"github.com/skiff-cloud/engine/internal/models"
	"github.com/skiff-cloud/engine/internal/reconciler"
	appErr "github.com/skiff-cloud/engine/pkg/errors"
)

var testOpts = EnvironmentOptions{
	Region:         "iad",
	WorkspaceImage: "registry.skiff.dev/workspace:latest",
	AppDomain:      "skiff.app",
}

func notFound() error {
	return appErr.New(appErr.CodeNotFound, "environment not found")
}

func newEnvService(client *mockAPI, envs *mockEnvRepo, members *mockMembershipRepo) EnvironmentService {
	return NewEnvironmentService(envs, members, client, reconciler.New(client, envs), testOpts)
}

func TestCreateProvisionsFullEnvironment(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(7), nil).Once()

	client.On("CreateApp", mock.Anything, controlplane.CreateAppRequest{Name: "ws-7"}).
		Return(&controlplane.App{Name: "ws-7"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-7", mock.MatchedBy(func(req controlplane.CreateVolumeRequest) bool {
		return req.Name == "data-7" && req.SizeGB == 10 && req.Region == "iad"
	})).Return(&controlplane.Volume{ID: "vol_123"}, nil).Once()
	client.On("AllocateIP", mock.Anything, "ws-7").
		Return(&controlplane.IPAddress{Address: "1.2.3.4"}, nil).Once()

	var staged map[string]string
	client.On("SetSecrets", mock.Anything, "ws-7", mock.Anything).
		Run(func(args mock.Arguments) { staged = args.Get(2).(map[string]string) }).
		Return(nil).Once()

	var machineReq controlplane.CreateMachineRequest
	client.On("CreateMachine", mock.Anything, "ws-7", mock.Anything).
		Run(func(args mock.Arguments) { machineReq = args.Get(2).(controlplane.CreateMachineRequest) }).
		Return(&controlplane.Machine{ID: "m1", State: "created"}, nil).Once()

	var committed *models.Environment
	var ownerRow *models.Membership
	envs.On("CreateWithOwner", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			committed = args.Get(1).(*models.Environment)
			ownerRow = args.Get(2).(*models.Membership)
		}).
		Return(nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{
		Name: "dev",
		Env:  map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	require.Equal(t, "https://ws-7.skiff.app/", out.URL)
	require.Empty(t, out.Warnings)

	require.Equal(t, "bar", staged["FOO"])
	require.Equal(t, "ws-7", staged["SKIFF_APP_NAME"])
	require.NotEmpty(t, staged["SKIFF_LOCAL_USER"])

	require.Equal(t, "registry.skiff.dev/workspace:latest", machineReq.Config.Image)
	require.Len(t, machineReq.Config.Mounts, 1)
	require.Equal(t, "vol_123", machineReq.Config.Mounts[0].Volume)
	require.True(t, machineReq.Config.AutoStart)

	require.Equal(t, uint64(7), committed.ID)
	require.Equal(t, "ws-7", committed.RemoteName)
	require.Equal(t, models.KindWorkspace, committed.Kind)
	require.Equal(t, owner, committed.OwnerID)
	require.Equal(t, models.RoleOwner, ownerRow.Role)
	require.NotEmpty(t, ownerRow.LocalIdentity)

	client.AssertExpectations(t)
	envs.AssertExpectations(t)
}

func TestCreateIsIdempotentForCommittedEnvironment(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7", ExternalURL: "https://ws-7.skiff.app/"}, nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.NoError(t, err)
	require.Equal(t, "https://ws-7.skiff.app/", out.URL)

	client.AssertNotCalled(t, "CreateApp", mock.Anything, mock.Anything)
	envs.AssertNotCalled(t, "ReserveID", mock.Anything)
}

func TestCreateVolumeFailureRollsBackApplication(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(7), nil).Once()
	client.On("CreateApp", mock.Anything, mock.Anything).Return(&controlplane.App{Name: "ws-7"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-7", mock.Anything).
		Return(nil, errors.New("region out of capacity")).Once()
	client.On("DestroyApp", mock.Anything, "ws-7").Return(nil).Once()

	svc := newEnvService(client, envs, members)
	_, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.Error(t, err)

	client.AssertExpectations(t)
	envs.AssertNotCalled(t, "CreateWithOwner", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateMachineFailureLeavesApplicationForRetry(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(7), nil).Once()
	client.On("CreateApp", mock.Anything, mock.Anything).Return(&controlplane.App{Name: "ws-7"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-7", mock.Anything).Return(&controlplane.Volume{ID: "vol_123"}, nil).Once()
	client.On("AllocateIP", mock.Anything, "ws-7").Return(&controlplane.IPAddress{}, nil).Once()
	client.On("SetSecrets", mock.Anything, "ws-7", mock.Anything).Return(nil).Once()
	client.On("CreateMachine", mock.Anything, "ws-7", mock.Anything).
		Return(nil, errors.New("no capacity")).Once()

	svc := newEnvService(client, envs, members)
	_, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.Error(t, err)

	client.AssertNotCalled(t, "DestroyApp", mock.Anything, mock.Anything)
	envs.AssertNotCalled(t, "CreateWithOwner", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateSoftFailuresBecomeWarnings(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(7), nil).Once()
	client.On("CreateApp", mock.Anything, mock.Anything).Return(&controlplane.App{Name: "ws-7"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-7", mock.Anything).Return(&controlplane.Volume{ID: "vol_123"}, nil).Once()
	client.On("AllocateIP", mock.Anything, "ws-7").Return(nil, errors.New("ip pool exhausted")).Once()
	client.On("SetSecrets", mock.Anything, "ws-7", mock.Anything).Return(errors.New("secrets api flaked")).Once()
	client.On("CreateMachine", mock.Anything, "ws-7", mock.Anything).
		Return(&controlplane.Machine{ID: "m1"}, nil).Once()
	envs.On("CreateWithOwner", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.NoError(t, err)
	require.Len(t, out.Warnings, 2)
}

func TestCreateCommitRaceReturnsWinner(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(8), nil).Once()
	client.On("CreateApp", mock.Anything, mock.Anything).Return(&controlplane.App{Name: "ws-8"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-8", mock.Anything).Return(&controlplane.Volume{ID: "vol_9"}, nil).Once()
	client.On("AllocateIP", mock.Anything, "ws-8").Return(&controlplane.IPAddress{}, nil).Once()
	client.On("SetSecrets", mock.Anything, "ws-8", mock.Anything).Return(nil).Once()
	client.On("CreateMachine", mock.Anything, "ws-8", mock.Anything).Return(&controlplane.Machine{ID: "m1"}, nil).Once()

	envs.On("CreateWithOwner", mock.Anything, mock.Anything, mock.Anything).
		Return(appErr.New(appErr.CodeAlreadyExists, "environment already exists")).Once()
	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7", ExternalURL: "https://ws-7.skiff.app/"}, nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.NoError(t, err)
	require.Equal(t, "https://ws-7.skiff.app/", out.URL)
	envs.AssertExpectations(t)
}

func TestStopOnlyStopsMachinesThatAreUp(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	principal := uuid.New()

	envs.On("FindForPrincipal", mock.Anything, principal, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7"}, nil).Once()
	client.On("ListMachines", mock.Anything, "ws-7").Return([]controlplane.Machine{
		{ID: "m1", State: "started"},
		{ID: "m2", State: "stopped"},
		{ID: "m3", State: "starting"},
	}, nil).Once()
	client.On("StopMachine", mock.Anything, "ws-7", "m1").Return(nil).Once()
	client.On("StopMachine", mock.Anything, "ws-7", "m3").Return(nil).Once()

	svc := newEnvService(client, envs, members)
	require.NoError(t, svc.Stop(context.Background(), principal, "dev"))

	client.AssertExpectations(t)
	client.AssertNotCalled(t, "StopMachine", mock.Anything, "ws-7", "m2")
}

func TestDestroyRemovesRemoteThenLocal(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindOwned", mock.Anything, owner, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7"}, nil).Once()
	client.On("DestroyApp", mock.Anything, "ws-7").Return(nil).Once()
	envs.On("Delete", mock.Anything, uint64(7)).Return(nil).Once()

	svc := newEnvService(client, envs, members)
	require.NoError(t, svc.Destroy(context.Background(), owner, "dev"))
	client.AssertExpectations(t)
	envs.AssertExpectations(t)
}

func TestDestroyByNonOwnerLooksLikeMissingEnvironment(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	member := uuid.New()

	envs.On("FindOwned", mock.Anything, member, "dev").Return(nil, notFound()).Once()

	svc := newEnvService(client, envs, members)
	err := svc.Destroy(context.Background(), member, "dev")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	client.AssertNotCalled(t, "DestroyApp", mock.Anything, mock.Anything)
	envs.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDestroyProceedsLocallyWhenRemoteFails(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindOwned", mock.Anything, owner, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7"}, nil).Once()
	client.On("DestroyApp", mock.Anything, "ws-7").Return(errors.New("upstream flake")).Once()
	envs.On("Delete", mock.Anything, uint64(7)).Return(nil).Once()

	svc := newEnvService(client, envs, members)
	require.NoError(t, svc.Destroy(context.Background(), owner, "dev"))
	envs.AssertExpectations(t)
}

func TestStatusForUnknownEnvironmentIsNotFound(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	principal := uuid.New()

	envs.On("FindForPrincipal", mock.Anything, principal, "ghost").Return(nil, notFound()).Once()

	svc := newEnvService(client, envs, members)
	res, err := svc.Status(context.Background(), principal, "ghost")
	require.NoError(t, err)
	require.Equal(t, reconciler.StatusNotFound, res.Status)
	client.AssertNotCalled(t, "ListMachines", mock.Anything, mock.Anything)
}

func TestStatusDelegatesToReconciler(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	principal := uuid.New()

	envs.On("FindForPrincipal", mock.Anything, principal, "dev").
		Return(&models.Environment{ID: 7, RemoteName: "ws-7", ExternalURL: "https://ws-7.skiff.app/"}, nil).Once()
	client.On("ListMachines", mock.Anything, "ws-7").Return([]controlplane.Machine{}, nil).Once()

	svc := newEnvService(client, envs, members)
	res, err := svc.Status(context.Background(), principal, "dev")
	require.NoError(t, err)
	require.Equal(t, reconciler.StatusCreating, res.Status)
}

func TestLifecycleCreateStatusDestroy(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	owner := uuid.New()

	envs.On("FindByOwnerAndName", mock.Anything, owner, "dev").Return(nil, notFound()).Once()
	envs.On("ReserveID", mock.Anything).Return(uint64(7), nil).Once()
	client.On("CreateApp", mock.Anything, mock.Anything).Return(&controlplane.App{Name: "ws-7"}, nil).Once()
	client.On("CreateVolume", mock.Anything, "ws-7", mock.Anything).Return(&controlplane.Volume{ID: "vol_123"}, nil).Once()
	client.On("AllocateIP", mock.Anything, "ws-7").Return(&controlplane.IPAddress{}, nil).Once()
	client.On("SetSecrets", mock.Anything, "ws-7", mock.Anything).Return(nil).Once()
	client.On("CreateMachine", mock.Anything, "ws-7", mock.Anything).Return(&controlplane.Machine{ID: "m1"}, nil).Once()

	var committed models.Environment
	envs.On("CreateWithOwner", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { committed = *args.Get(1).(*models.Environment) }).
		Return(nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.Create(context.Background(), owner, &CreateEnvironmentInput{Name: "dev"})
	require.NoError(t, err)
	require.Equal(t, "https://ws-7.skiff.app/", out.URL)

	envs.On("FindForPrincipal", mock.Anything, owner, "dev").Return(&committed, nil).Once()
	client.On("ListMachines", mock.Anything, "ws-7").
		Return([]controlplane.Machine{{ID: "m1", State: "created"}}, nil).Once()
	res, err := svc.Status(context.Background(), owner, "dev")
	require.NoError(t, err)
	require.Equal(t, reconciler.StatusStarting, res.Status)

	envs.On("FindOwned", mock.Anything, owner, "dev").Return(&committed, nil).Once()
	client.On("DestroyApp", mock.Anything, "ws-7").Return(nil).Once()
	envs.On("Delete", mock.Anything, uint64(7)).Return(nil).Once()
	require.NoError(t, svc.Destroy(context.Background(), owner, "dev"))

	client.AssertNumberOfCalls(t, "DestroyApp", 1)
	client.AssertExpectations(t)
	envs.AssertExpectations(t)
}

func TestListScopesToMemberships(t *testing.T) {
	client := new(mockAPI)
	envs := new(mockEnvRepo)
	members := new(mockMembershipRepo)
	principal := uuid.New()

	members.On("ListByPrincipal", mock.Anything, principal).Return([]models.Membership{
		{EnvironmentID: 7, PrincipalID: principal, Role: models.RoleOwner},
		{EnvironmentID: 8, PrincipalID: principal, Role: models.RoleMember},
	}, nil).Once()
	envs.On("GetByID", mock.Anything, uint64(7), mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.Environment) = models.Environment{ID: 7, Name: "dev"}
		}).Return(nil).Once()
	envs.On("GetByID", mock.Anything, uint64(8), mock.Anything).
		Run(func(args mock.Arguments) {
			*args.Get(2).(*models.Environment) = models.Environment{ID: 8, Name: "shared"}
		}).Return(nil).Once()

	svc := newEnvService(client, envs, members)
	out, err := svc.List(context.Background(), principal)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "dev", out[0].Name)
	require.Equal(t, "shared", out[1].Name)
}
