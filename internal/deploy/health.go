package deploy

import "context"

// Health statuses beyond the runtime's own container states.
const (
	StatusNotDeployed = "not_deployed"
	StatusErr         = "error"
)

// Health is a point-in-time view of one tenant's container resources.
type Health struct {
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryUsageMB float64 `json:"memory_usage_mb,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	Port          int     `json:"port,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Health reports the tenant's container status with live resource
// statistics from the runtime.
func (d *Deployer) Health(ctx context.Context, tenantID string) Health {
	rec, ok := d.record(tenantID)
	if !ok {
		return Health{Status: StatusNotDeployed}
	}

	status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
	if err != nil {
		return Health{Status: StatusErr, Error: err.Error()}
	}

	stats, err := d.rt.Stats(ctx, rec.ContainerID)
	if err != nil {
		d.logger.Error("error getting health for api", "api_id", tenantID, "error", err)
		return Health{Status: StatusErr, Error: err.Error()}
	}

	return Health{
		Status:        status,
		CPUPercent:    stats.CPUPercent,
		MemoryUsageMB: stats.MemoryUsageMB,
		MemoryPercent: stats.MemoryPercent,
		Port:          rec.Port,
	}
}

// Logs returns the most recent log lines from the tenant's container.
func (d *Deployer) Logs(ctx context.Context, tenantID string, tail int) ([]string, error) {
	rec, ok := d.record(tenantID)
	if !ok {
		return nil, ErrNotDeployed
	}
	return d.rt.Logs(ctx, rec.ContainerID, tail)
}

// Info is the process metadata view for one deployment.
type Info struct {
	TenantID    string `json:"api_id"`
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Port        int    `json:"port"`
	Image       string `json:"image"`
}

// ContainerInfo returns name, status, port and image for a deployment.
func (d *Deployer) ContainerInfo(ctx context.Context, tenantID string) (Info, error) {
	rec, ok := d.record(tenantID)
	if !ok {
		return Info{}, ErrNotDeployed
	}

	info := Info{
		TenantID:    rec.TenantID,
		ContainerID: rec.ContainerID,
		Name:        containerName(rec.TenantID),
		Port:        rec.Port,
		Image:       rec.Image,
	}

	status, err := d.rt.ContainerStatus(ctx, rec.ContainerID)
	if err != nil {
		info.Status = StatusErr
	} else {
		info.Status = status
	}
	return info, nil
}
