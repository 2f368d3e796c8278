// Package deploy owns the container lifecycle for every tenant and the
// in-memory table mapping tenant IDs to running deployments.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apifoundry/gateway/internal/models"
	"github.com/apifoundry/gateway/internal/ports"
	"github.com/apifoundry/gateway/internal/runtime"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrBuildFailed wraps dependency-install or syntax failures
	// surfaced by the image build.
	ErrBuildFailed = errors.New("container build failed")
	// ErrNotDeployed is returned by operations that need a record.
	ErrNotDeployed = errors.New("api is not deployed")
)

// BaseRequirements is the fixed dependency set every tenant image gets
// before user-supplied extras are appended.
const BaseRequirements = "fastapi==0.109.0\nuvicorn[standard]==0.27.0\npython-multipart==0.0.6\nminio==7.2.3\nPillow==10.2.0\n"

const dockerfile = `FROM python:3.11-slim

WORKDIR /app

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY main.py .

CMD ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"]
`

const containerPort = 8000

// ContainerRuntime is the slice of the container runtime the deployer
// drives. *runtime.Client satisfies it; tests substitute a fake.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, dir, tag string) error
	RunContainer(ctx context.Context, opts runtime.RunOptions) (string, error)
	RemoveContainerByName(ctx context.Context, name string) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	ContainerStatus(ctx context.Context, containerID string) (string, error)
	Stats(ctx context.Context, containerID string) (runtime.Stats, error)
	Logs(ctx context.Context, containerID string, tail int) ([]string, error)
}

// Record links a tenant to its running container. Owned exclusively by
// the Deployer; readers go through accessor methods.
type Record struct {
	TenantID    string
	ContainerID string
	Port        int
	Image       string
}

type Options struct {
	// TenantEnv is injected into every container; API_ID is added
	// per tenant.
	TenantEnv   map[string]string
	MemoryLimit string
	CPUQuota    int

	HealthAttempts int
	HealthInterval time.Duration
	StopGrace      time.Duration
}

type Deployer struct {
	rt     ContainerRuntime
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*Record

	// Concurrent deploys for one tenant coalesce onto one build;
	// stop/restart serialize against deploy through the per-tenant
	// locks.
	flight    singleflight.Group
	tenantsMu sync.Mutex
	tenants   map[string]*sync.Mutex

	healthClient *http.Client
	healthURL    func(port int) string
}

func New(rt ContainerRuntime, opts Options, logger *slog.Logger) *Deployer {
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "512m"
	}
	if opts.CPUQuota == 0 {
		opts.CPUQuota = 100000
	}
	if opts.HealthAttempts == 0 {
		opts.HealthAttempts = 30
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 500 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 10 * time.Second
	}

	return &Deployer{
		rt:           rt,
		opts:         opts,
		logger:       logger,
		records:      make(map[string]*Record),
		tenants:      make(map[string]*sync.Mutex),
		healthClient: &http.Client{Timeout: 2 * time.Second},
		healthURL: func(port int) string {
			return fmt.Sprintf("http://localhost:%d/", port)
		},
	}
}

func (d *Deployer) tenantLock(tenantID string) *sync.Mutex {
	d.tenantsMu.Lock()
	defer d.tenantsMu.Unlock()

	mu, ok := d.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		d.tenants[tenantID] = mu
	}
	return mu
}

// Deploy builds and starts the tenant's container and returns its host
// port. If the tenant is already running, the existing port is
// returned without a rebuild. Concurrent calls for the same tenant
// share one build.
func (d *Deployer) Deploy(ctx context.Context, tenantID, code, requirements string) (int, error) {
	v, err, _ := d.flight.Do(tenantID, func() (interface{}, error) {
		mu := d.tenantLock(tenantID)
		mu.Lock()
		defer mu.Unlock()
		return d.deployLocked(ctx, tenantID, code, requirements)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (d *Deployer) deployLocked(ctx context.Context, tenantID, code, requirements string) (int, error) {
	// A started build runs to completion or failure on its own terms.
	// The initiating request may disconnect, and coalesced callers
	// must never inherit the first caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	d.logger.Info("deploying api", "api_id", tenantID)

	if rec, ok := d.record(tenantID); ok {
		status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
		if err == nil && status == "running" {
			d.logger.Info("api already deployed and running, returning existing port", "api_id", tenantID, "port", rec.Port)
			return rec.Port, nil
		}
		d.logger.Warn("api container exists but is not running, redeploying", "api_id", tenantID, "status", status)
		d.deleteRecord(tenantID)
	}

	dir, err := os.MkdirTemp("", buildDirPrefix(tenantID))
	if err != nil {
		return 0, fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writeBuildContext(dir, code, requirements); err != nil {
		return 0, err
	}

	image := imageTag(tenantID)
	d.logger.Info("building image", "api_id", tenantID, "image", image)
	if err := d.rt.BuildImage(ctx, dir, image); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	hostPort := ports.Allocate(tenantID)
	name := containerName(tenantID)

	// A stale container from a previous run may still hold the name.
	if err := d.rt.RemoveContainerByName(ctx, name); err != nil {
		d.logger.Warn("failed to remove stale container", "api_id", tenantID, "error", err)
	}

	env := make(map[string]string, len(d.opts.TenantEnv)+1)
	for k, v := range d.opts.TenantEnv {
		env[k] = v
	}
	env["API_ID"] = tenantID

	d.logger.Info("starting container", "api_id", tenantID, "port", hostPort)
	containerID, err := d.rt.RunContainer(ctx, runtime.RunOptions{
		Name:          name,
		Image:         image,
		HostPort:      hostPort,
		ContainerPort: containerPort,
		MemoryLimit:   d.opts.MemoryLimit,
		CPUQuota:      d.opts.CPUQuota,
		RestartPolicy: "unless-stopped",
		Env:           env,
		Labels: map[string]string{
			"app":    "api-builder",
			"api_id": tenantID,
		},
	})
	if err != nil {
		if rmErr := d.rt.RemoveImage(ctx, image); rmErr != nil {
			d.logger.Warn("failed to remove image after run failure", "image", image, "error", rmErr)
		}
		return 0, fmt.Errorf("start container for api %s: %w", tenantID, err)
	}

	d.setRecord(&Record{
		TenantID:    tenantID,
		ContainerID: containerID,
		Port:        hostPort,
		Image:       image,
	})

	d.waitHealthy(ctx, tenantID, hostPort)

	d.logger.Info("api deployed", "api_id", tenantID, "port", hostPort)
	return hostPort, nil
}

// waitHealthy polls the tenant's root path until it answers or the
// attempt budget runs out. Exhaustion is logged, not failed: the
// container may simply be slow to start.
func (d *Deployer) waitHealthy(ctx context.Context, tenantID string, port int) {
	for i := 0; i < d.opts.HealthAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.healthURL(port), nil)
		if err != nil {
			return
		}
		resp, err := d.healthClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
				d.logger.Info("api is healthy and responding", "api_id", tenantID)
				return
			}
		}

		if i < d.opts.HealthAttempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.HealthInterval):
			}
		}
	}
	d.logger.Warn("api deployed but health check timed out", "api_id", tenantID)
}

// Stop stops and removes the tenant's container and its image. Returns
// false without error when no deployment exists.
func (d *Deployer) Stop(ctx context.Context, tenantID string) (bool, error) {
	mu := d.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return d.stopLocked(ctx, tenantID)
}

func (d *Deployer) stopLocked(ctx context.Context, tenantID string) (bool, error) {
	rec, ok := d.record(tenantID)
	if !ok {
		d.logger.Warn("api not found in deployed containers", "api_id", tenantID)
		return false, nil
	}

	d.logger.Info("stopping api", "api_id", tenantID)
	if err := d.rt.StopContainer(ctx, rec.ContainerID, d.opts.StopGrace); err != nil {
		return false, err
	}
	if err := d.rt.RemoveContainer(ctx, rec.ContainerID); err != nil {
		return false, err
	}

	// Image removal is housekeeping; process removal is what matters.
	if err := d.rt.RemoveImage(ctx, rec.Image); err != nil {
		d.logger.Warn("failed to remove image", "image", rec.Image, "error", err)
	}

	d.deleteRecord(tenantID)
	d.logger.Info("api stopped and removed", "api_id", tenantID)
	return true, nil
}

// Restart is stop followed by deploy. A stop failure propagates and no
// deploy is attempted, so two containers for one tenant never coexist.
func (d *Deployer) Restart(ctx context.Context, tenantID, code, requirements string) (int, error) {
	mu := d.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	d.logger.Info("restarting api", "api_id", tenantID)
	if _, err := d.stopLocked(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("stop api %s before redeploy: %w", tenantID, err)
	}
	return d.deployLocked(ctx, tenantID, code, requirements)
}

// IsDeployed reports whether the tenant's container is live right now.
// This probes the runtime rather than trusting the record; processes
// crash silently between probes.
func (d *Deployer) IsDeployed(ctx context.Context, tenantID string) bool {
	rec, ok := d.record(tenantID)
	if !ok {
		return false
	}
	status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
	return err == nil && status == "running"
}

// Port returns the tenant's assigned host port, if a record exists.
func (d *Deployer) Port(tenantID string) (int, bool) {
	rec, ok := d.record(tenantID)
	if !ok {
		return 0, false
	}
	return rec.Port, true
}

// Count returns the number of tracked deployments.
func (d *Deployer) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func (d *Deployer) record(tenantID string) (*Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[tenantID]
	return rec, ok
}

func (d *Deployer) setRecord(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.TenantID] = rec
}

func (d *Deployer) deleteRecord(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, tenantID)
}

func (d *Deployer) snapshot() []*Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	recs := make([]*Record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	return recs
}

// Deployments lists all tracked deployments with live container state.
func (d *Deployer) Deployments(ctx context.Context) map[string]models.DeploymentInfo {
	result := make(map[string]models.DeploymentInfo)
	for _, rec := range d.snapshot() {
		info := models.DeploymentInfo{Port: rec.Port, Image: rec.Image}
		status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
		if err != nil {
			info.Status = "error"
			info.Error = err.Error()
		} else {
			info.Status = status
		}
		result[rec.TenantID] = info
	}
	return result
}

// CleanupStopped reaps records whose containers are no longer running.
// Cleanup failures drop the record anyway so the table never keeps
// permanently dead entries; the next request redeploys from scratch.
func (d *Deployer) CleanupStopped(ctx context.Context) {
	for _, rec := range d.snapshot() {
		status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
		if err == nil && status == "running" {
			continue
		}

		mu := d.tenantLock(rec.TenantID)
		// A deploy may have replaced the container between the probe
		// above and acquiring the lock; re-check the current record
		// before killing anything.
		mu.Lock()
		cur, ok := d.record(rec.TenantID)
		if !ok {
			mu.Unlock()
			continue
		}
		status, err = d.rt.ContainerStatus(ctx, cur.ContainerID)
		if err == nil && status == "running" {
			mu.Unlock()
			continue
		}
		d.logger.Warn("api container is not running, removing", "api_id", rec.TenantID, "status", status)

		if _, err := d.stopLocked(ctx, rec.TenantID); err != nil {
			d.logger.Error("error cleaning up api", "api_id", rec.TenantID, "error", err)
			d.deleteRecord(rec.TenantID)
		}
		mu.Unlock()
	}
}

func buildDirPrefix(tenantID string) string {
	short := tenantID
	if len(short) > 8 {
		short = short[:8]
	}
	return "api_" + short + "_"
}

func imageTag(tenantID string) string {
	return "user-api-" + tenantID
}

func containerName(tenantID string) string {
	return "api-" + tenantID
}

func writeBuildContext(dir, code, requirements string) error {
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(code), 0o644); err != nil {
		return fmt.Errorf("write main.py: %w", err)
	}

	reqs := BaseRequirements + requirements
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(reqs), 0o644); err != nil {
		return fmt.Errorf("write requirements.txt: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}
	return nil
}
