package container

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sandboxengine/engine/internal/podman"
)

// ProbeKind selects how readyProbe confirms a container's init process has
// actually come up, beyond podman reporting the container "running" (spec
// §4.2: TCP, HTTP, command, and file probes).
type ProbeKind string

const (
	ProbeCommand ProbeKind = "command"
	ProbeFile    ProbeKind = "file"
	ProbeTCP     ProbeKind = "tcp"
	ProbeHTTP    ProbeKind = "http"
)

// ProbeConfig configures the readiness probe wired into a container
// Backend. Interval, Timeout, and SuccessThreshold always apply; which of
// Command/FilePath/Port/HTTPPath is read depends on Kind.
type ProbeConfig struct {
	Kind ProbeKind

	Command  []string // ProbeCommand: argv run inside the container, success = exit 0
	FilePath string   // ProbeFile: path inside the container that must exist
	Port     int      // ProbeTCP/ProbeHTTP: container-internal port to reach
	HTTPPath string   // ProbeHTTP: path requested; any 2xx/3xx counts as ready

	Interval         time.Duration
	Timeout          time.Duration
	SuccessThreshold int
}

// defaultProbeConfig exercises the exec plumbing itself rather than
// assuming any particular port or file an arbitrary image might not have:
// a container that can't even run "true" isn't ready to accept real work.
func defaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Kind:             ProbeCommand,
		Command:          []string{"true"},
		Interval:         200 * time.Millisecond,
		Timeout:          5 * time.Second,
		SuccessThreshold: 1,
	}
}

// newReadyProbe builds the readyProbe hook container.Backend.Prepare calls
// after starting a container: it polls cfg.Kind's check every cfg.Interval
// until cfg.SuccessThreshold consecutive checks pass or cfg.Timeout (applied
// via the ctx deadline the caller supplies) elapses.
func newReadyProbe(client *podman.Client, cfg ProbeConfig) func(ctx context.Context, containerName string) error {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeConfig().Interval
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}

	check := func(ctx context.Context, containerName string) error {
		switch cfg.Kind {
		case ProbeCommand:
			return probeCommand(ctx, client, containerName, cfg.Command)
		case ProbeFile:
			return probeFile(ctx, client, containerName, cfg.FilePath)
		case ProbeTCP:
			return probeTCP(ctx, client, containerName, cfg.Port)
		case ProbeHTTP:
			return probeHTTP(ctx, client, containerName, cfg.Port, cfg.HTTPPath)
		default:
			return fmt.Errorf("container: unknown probe kind %q", cfg.Kind)
		}
	}

	return func(ctx context.Context, containerName string) error {
		return pollUntilReady(ctx, cfg, func(ctx context.Context) error {
			return check(ctx, containerName)
		})
	}
}

// pollUntilReady runs check every cfg.Interval, within a cfg.Timeout
// deadline if set, until cfg.SuccessThreshold consecutive calls succeed.
// Split out from newReadyProbe so the retry/threshold logic can be tested
// without a podman binary.
func pollUntilReady(ctx context.Context, cfg ProbeConfig, check func(ctx context.Context) error) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	consecutive := 0
	var lastErr error
	for {
		if err := check(ctx); err != nil {
			lastErr = err
			consecutive = 0
		} else {
			consecutive++
			if consecutive >= cfg.SuccessThreshold {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("readiness probe %s: deadline exceeded, last error: %w", cfg.Kind, lastErr)
			}
			return fmt.Errorf("readiness probe %s: deadline exceeded before reaching success threshold %d", cfg.Kind, cfg.SuccessThreshold)
		case <-time.After(cfg.Interval):
		}
	}
}

func probeCommand(ctx context.Context, client *podman.Client, containerName string, command []string) error {
	if len(command) == 0 {
		command = []string{"true"}
	}
	result, err := client.ExecInContainer(ctx, podman.ExecConfig{Container: containerName, Command: command})
	if err != nil {
		return fmt.Errorf("probe command: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("probe command %v exited %d", command, result.ExitCode)
	}
	return nil
}

func probeFile(ctx context.Context, client *podman.Client, containerName, path string) error {
	if path == "" {
		return fmt.Errorf("probe file: no path configured")
	}
	result, err := client.ExecInContainer(ctx, podman.ExecConfig{
		Container: containerName,
		Command:   []string{"test", "-e", path},
	})
	if err != nil {
		return fmt.Errorf("probe file: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("probe file %s: not present", path)
	}
	return nil
}

func probeTCP(ctx context.Context, client *podman.Client, containerName string, port int) error {
	ip, err := containerIP(ctx, client, containerName)
	if err != nil {
		return err
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("probe tcp %s:%d: %w", ip, port, err)
	}
	conn.Close()
	return nil
}

func probeHTTP(ctx context.Context, client *podman.Client, containerName string, port int, path string) error {
	ip, err := containerIP(ctx, client, containerName)
	if err != nil {
		return err
	}
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s/%s", net.JoinHostPort(ip, strconv.Itoa(port)), trimLeadingSlash(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe http: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe http %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe http %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func containerIP(ctx context.Context, client *podman.Client, containerName string) (string, error) {
	info, err := client.InspectContainer(ctx, containerName)
	if err != nil {
		return "", fmt.Errorf("probe: inspect container: %w", err)
	}
	if info.NetworkSettings.IPAddress == "" {
		return "", fmt.Errorf("probe: container %s has no IP address yet", containerName)
	}
	return info.NetworkSettings.IPAddress, nil
}
