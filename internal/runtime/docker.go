// Package runtime adapts the local Docker CLI into the narrow surface
// the deployment manager needs: build, run, stop, remove, inspect,
// stats and logs.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type Client struct{}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) EnsureAvailable() error {
	cmd := exec.Command("docker", "version", "--format", "{{.Server.Version}}")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker not available: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Client) BuildImage(ctx context.Context, dir, tag string) error {
	cmd := exec.CommandContext(ctx, "docker", "build", "--rm", "--force-rm", "-t", tag, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("build image %s: %w: %s", tag, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunOptions describes one tenant container. ContainerPort is the port
// the workload listens on inside the container.
type RunOptions struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	MemoryLimit   string
	CPUQuota      int
	RestartPolicy string
	Env           map[string]string
	Labels        map[string]string
}

func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{
		"run", "-d",
		"--name", opts.Name,
		"--restart", opts.RestartPolicy,
		"--memory", opts.MemoryLimit,
		"--cpu-quota", strconv.Itoa(opts.CPUQuota),
		"-p", fmt.Sprintf("%d:%d", opts.HostPort, opts.ContainerPort),
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, opts.Image)

	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	containerID := strings.TrimSpace(string(out))
	if containerID == "" {
		return "", errors.New("docker run returned empty container id")
	}
	return containerID, nil
}

func (c *Client) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	cmd := exec.CommandContext(ctx, "docker", "stop", "-t", strconv.Itoa(secs), containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return fmt.Errorf("stop container %s: %w: %s", containerID, err, text)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w: %s", containerID, err, text)
	}
	return nil
}

// RemoveContainerByName force-removes any container with the given
// name, tolerating absence. Used to clear stale containers before a
// redeploy reuses the name.
func (c *Client) RemoveContainerByName(ctx context.Context, name string) error {
	return c.RemoveContainer(ctx, name)
}

func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	cmd := exec.CommandContext(ctx, "docker", "rmi", "-f", tag)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such image") {
			return nil
		}
		return fmt.Errorf("remove image %s: %w: %s", tag, err, text)
	}
	return nil
}

// ContainerStatus returns the container's state (running, exited,
// created, ...) from docker inspect.
func (c *Client) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Status}}", containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Stats is one resource sample for a running container. The docker CLI
// computes the CPU percentage from the delta between two successive
// cgroup samples and the memory percentage against the configured
// ceiling.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsageMB float64
}

type statsJSON struct {
	CPUPerc  string `json:"CPUPerc"`
	MemPerc  string `json:"MemPerc"`
	MemUsage string `json:"MemUsage"`
}

func (c *Client) Stats(ctx context.Context, containerID string) (Stats, error) {
	cmd := exec.CommandContext(ctx, "docker", "stats", "--no-stream", "--format", "{{json .}}", containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Stats{}, fmt.Errorf("stats for container %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}

	var raw statsJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &raw); err != nil {
		return Stats{}, fmt.Errorf("parse stats for container %s: %w", containerID, err)
	}

	stats := Stats{
		CPUPercent:    parsePercent(raw.CPUPerc),
		MemoryPercent: parsePercent(raw.MemPerc),
	}
	if usage, _, found := strings.Cut(raw.MemUsage, " / "); found {
		stats.MemoryUsageMB = parseSizeMB(strings.TrimSpace(usage))
	}
	return stats, nil
}

func (c *Client) Logs(ctx context.Context, containerID string, tail int) ([]string, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("logs for container %s: %w: %s", containerID, err, strings.TrimSpace(string(out)))
	}

	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func parsePercent(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseSizeMB converts docker's human sizes ("105.2MiB", "1.5GiB",
// "900KiB", "512B") to megabytes.
func parseSizeMB(s string) float64 {
	units := []struct {
		suffix string
		mb     float64
	}{
		{"GiB", 1024},
		{"MiB", 1},
		{"KiB", 1.0 / 1024},
		{"GB", 1000.0 * 1000 * 1000 / (1024 * 1024)},
		{"MB", 1000.0 * 1000 / (1024 * 1024)},
		{"kB", 1000.0 / (1024 * 1024)},
		{"B", 1.0 / (1024 * 1024)},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0
			}
			return v * u.mb
		}
	}
	return 0
}
