// Package controlplane is the typed request/response layer over the remote
// machine-control API. It owns retry/backoff for transient upstream failures
// and nothing else: the client is stateless and every durable fact lives in
// the local store or on the remote side.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appErr "github.com/skiff-cloud/engine/pkg/errors"
)

// API is the remote capability surface consumed by the orchestrator, the
// reconciler and the teardown path. One method per remote operation.
type API interface {
	CreateApp(ctx context.Context, req CreateAppRequest) (*App, error)
	// GetApp returns (nil, nil) when the app does not exist.
	GetApp(ctx context.Context, name string) (*App, error)
	// DestroyApp removes the app; the control plane cascades to machines,
	// volumes and addresses.
	DestroyApp(ctx context.Context, name string) error
	GetAppStatus(ctx context.Context, name string) (*AppStatus, error)

	CreateVolume(ctx context.Context, app string, req CreateVolumeRequest) (*Volume, error)
	AllocateIP(ctx context.Context, app string) (*IPAddress, error)
	SetSecrets(ctx context.Context, app string, values map[string]string) error
	AttachDatabase(ctx context.Context, app, cluster string) error
	UploadRelease(ctx context.Context, app string, req ReleaseRequest) (*Release, error)

	CreateMachine(ctx context.Context, app string, req CreateMachineRequest) (*Machine, error)
	ListMachines(ctx context.Context, app string) ([]Machine, error)
	// GetMachine returns (nil, nil) when the machine does not exist.
	GetMachine(ctx context.Context, app, id string) (*Machine, error)
	StopMachine(ctx context.Context, app, id string) error
}

// RemoteAPIError is a terminal non-2xx response from the control plane,
// surfaced with its status and body so operators can act on it.
type RemoteAPIError struct {
	Status int
	Body   string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Body)
}

const (
	maxAttempts = 5
	// retryInterval is the linear backoff unit: attempt n sleeps n*interval.
	defaultRetryInterval = 3 * time.Second
)

// errNotFound is internal to the client; gets translate it to (nil, nil).
var errNotFound = errors.New("controlplane: not found")

// Config configures the HTTP client for the control plane.
type Config struct {
	BaseURL string
	Token   string
	Org     string

	// RetryInterval overrides the backoff unit, for tests.
	RetryInterval time.Duration
	// HTTPClient overrides the underlying transport, for tests.
	HTTPClient *http.Client
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL       string
	token         string
	org           string
	retryInterval time.Duration
	http          *http.Client
}

var _ API = (*Client)(nil)

// New builds a Client. A missing API token is a configuration error, not
// something to retry.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, appErr.New(appErr.CodeConfig, "control plane API token is not set")
	}
	if cfg.BaseURL == "" {
		return nil, appErr.New(appErr.CodeConfig, "control plane API URL is not set")
	}
	c := &Client{
		baseURL:       cfg.BaseURL,
		token:         cfg.Token,
		org:           cfg.Org,
		retryInterval: cfg.RetryInterval,
		http:          cfg.HTTPClient,
	}
	if c.retryInterval <= 0 {
		c.retryInterval = defaultRetryInterval
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	return c, nil
}

func (c *Client) CreateApp(ctx context.Context, req CreateAppRequest) (*App, error) {
	if req.Org == "" {
		req.Org = c.org
	}
	var app App
	if err := c.do(ctx, http.MethodPost, "/apps", req, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (c *Client) GetApp(ctx context.Context, name string) (*App, error) {
	var app App
	err := c.do(ctx, http.MethodGet, "/apps/"+name, nil, &app)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (c *Client) DestroyApp(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/apps/"+name, nil, nil)
	if errors.Is(err, errNotFound) {
		// Already gone; destroy is idempotent from the caller's view.
		return nil
	}
	return err
}

func (c *Client) GetAppStatus(ctx context.Context, name string) (*AppStatus, error) {
	var st AppStatus
	err := c.do(ctx, http.MethodGet, "/apps/"+name+"/status", nil, &st)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) CreateVolume(ctx context.Context, app string, req CreateVolumeRequest) (*Volume, error) {
	var vol Volume
	if err := c.do(ctx, http.MethodPost, "/apps/"+app+"/volumes", req, &vol); err != nil {
		return nil, err
	}
	return &vol, nil
}

func (c *Client) AllocateIP(ctx context.Context, app string) (*IPAddress, error) {
	var ip IPAddress
	body := map[string]string{"type": "shared_v4"}
	if err := c.do(ctx, http.MethodPost, "/apps/"+app+"/ips", body, &ip); err != nil {
		return nil, err
	}
	return &ip, nil
}

func (c *Client) SetSecrets(ctx context.Context, app string, values map[string]string) error {
	body := map[string]map[string]string{"secrets": values}
	return c.do(ctx, http.MethodPost, "/apps/"+app+"/secrets", body, nil)
}

func (c *Client) AttachDatabase(ctx context.Context, app, cluster string) error {
	body := map[string]string{"cluster": cluster}
	return c.do(ctx, http.MethodPost, "/apps/"+app+"/attach", body, nil)
}

func (c *Client) UploadRelease(ctx context.Context, app string, req ReleaseRequest) (*Release, error) {
	var rel Release
	if err := c.do(ctx, http.MethodPost, "/apps/"+app+"/releases", req, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (c *Client) CreateMachine(ctx context.Context, app string, req CreateMachineRequest) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, http.MethodPost, "/apps/"+app+"/machines", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) ListMachines(ctx context.Context, app string) ([]Machine, error) {
	var out []Machine
	if err := c.do(ctx, http.MethodGet, "/apps/"+app+"/machines", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMachine(ctx context.Context, app, id string) (*Machine, error) {
	var m Machine
	err := c.do(ctx, http.MethodGet, "/apps/"+app+"/machines/"+id, nil, &m)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) StopMachine(ctx context.Context, app, id string) error {
	return c.do(ctx, http.MethodPost, "/apps/"+app+"/machines/"+id+"/stop", nil, nil)
}

// do performs one logical call. 502/503 responses are retried up to
// maxAttempts with linearly increasing backoff; every other non-2xx status is
// terminal. 404 surfaces as errNotFound so gets can branch without error
// handling gymnastics.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "encode request body")
		}
	}

	for attempt := 1; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "build request")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeUnavailable, "control plane unreachable")
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
			if attempt >= maxAttempts {
				return appErr.Wrap(
					&RemoteAPIError{Status: resp.StatusCode, Body: string(respBody)},
					appErr.CodeUnavailable,
					fmt.Sprintf("control plane unavailable after %d attempts", attempt),
				)
			}
			select {
			case <-ctx.Done():
				return appErr.Wrap(ctx.Err(), appErr.CodeUnavailable, "control plane call canceled")
			case <-time.After(time.Duration(attempt) * c.retryInterval):
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			return errNotFound

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return &RemoteAPIError{Status: resp.StatusCode, Body: string(respBody)}
		}

		if out == nil {
			return nil
		}
		if readErr != nil {
			return appErr.Wrap(readErr, appErr.CodeInternal, "read response body")
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "decode response body")
		}
		return nil
	}
}
