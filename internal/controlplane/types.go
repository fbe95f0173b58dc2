package controlplane

import "strings"

// App is the top-level remote application object. Instances, volumes and
// network identities all hang off an app, and destroying the app cascades to
// them on the control-plane side.
type App struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	Organization string `json:"organization"`
}

type CreateAppRequest struct {
	Name string `json:"app_name"`
	Org  string `json:"org_slug"`
}

// AppStatus is the platform's own view of a deployed app, polled by the
// deploy status path.
type AppStatus struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Hostname string `json:"hostname"`
	Deployed bool   `json:"deployed"`
	Version  int    `json:"version"`
}

type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb"`
	Region string `json:"region"`
}

type CreateVolumeRequest struct {
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb"`
	Region string `json:"region"`
}

type IPAddress struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

// Machine is the fetched snapshot of one remote compute instance. It is never
// stored verbatim; callers distill it into the cached environment status.
type Machine struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     string         `json:"state"`
	Region    string         `json:"region"`
	PrivateIP string         `json:"private_ip,omitempty"`
	Events    []MachineEvent `json:"events,omitempty"`
}

type MachineEvent struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Known machine lifecycle states. Remote states outside this set are passed
// through to callers unmodified.
const (
	StateCreated   = "created"
	StateStarting  = "starting"
	StateStarted   = "started"
	StateRunning   = "running"
	StateStopped   = "stopped"
	StateSuspended = "suspended"
	StateDestroyed = "destroyed"
)

// NormalizeState case-normalizes a remote lifecycle state.
func NormalizeState(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type GuestConfig struct {
	CPUs     int    `json:"cpus"`
	CPUKind  string `json:"cpu_kind"`
	MemoryMB int    `json:"memory_mb"`
}

type ServicePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

type MachineService struct {
	Protocol     string        `json:"protocol"`
	InternalPort int           `json:"internal_port"`
	Ports        []ServicePort `json:"ports,omitempty"`
}

type MachineMount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

type MachineConfig struct {
	Image    string           `json:"image"`
	Guest    GuestConfig      `json:"guest"`
	Services []MachineService `json:"services,omitempty"`
	Mounts   []MachineMount   `json:"mounts,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	// AutoStop suspends an idle machine; AutoStart wakes it on inbound traffic.
	AutoStop  bool `json:"auto_stop"`
	AutoStart bool `json:"auto_start"`
}

type CreateMachineRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region"`
	Config MachineConfig `json:"config"`
}

type Release struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Status  string `json:"status"`
}

type ReleaseRequest struct {
	Image    string `json:"image"`
	Strategy string `json:"strategy,omitempty"`
}
