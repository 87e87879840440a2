package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const (
	labelUser    = "slotcamper.user"
	labelManaged = "slotcamper.managed"

	browserPort = nat.Port("3000/tcp")
	readyTries  = 20
	readyEvery  = 500 * time.Millisecond
)

// Instance is a browser container serving one user
type Instance struct {
	ContainerID string
	UserID      string
	ConnectURL  string
	Port        string
}

// PoolOptions configures a Pool
type PoolOptions struct {
	Image string
	// Timezone is passed to the browser so page dates match the portal's
	Timezone string
	Logger   *zap.Logger
}

// Pool runs headless browsers in docker containers, one per user. A user's
// container is named after the user, so a second launch replaces the first.
type Pool struct {
	client *client.Client
	opts   PoolOptions
	logger *zap.Logger
}

// NewPool connects to the docker daemon from the environment
func NewPool(opts PoolOptions) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{client: cli, opts: opts, logger: logger}, nil
}

// ContainerName is the name given to a user's browser container
func ContainerName(userID string) string {
	return fmt.Sprintf("slotcamper-%s", userID)
}

func containerEnv(timezone string) []string {
	env := []string{
		"CONNECTION_TIMEOUT=-1",
		"MAX_CONCURRENT_SESSIONS=1",
		"PREBOOT_CHROME=true",
		"KEEP_ALIVE=true",
		"EXIT_ON_HEALTH_FAILURE=false",
	}
	if timezone != "" {
		env = append(env, "TZ="+timezone)
	}
	return env
}

// LaunchBrowser starts a fresh container for the user and waits until its
// browser accepts CDP connections
func (p *Pool) LaunchBrowser(ctx context.Context, userID string) (*Instance, error) {
	if err := p.removeUser(ctx, userID); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image: p.opts.Image,
		Labels: map[string]string{
			labelUser:    userID,
			labelManaged: "true",
		},
		Env:          containerEnv(p.opts.Timezone),
		ExposedPorts: nat.PortSet{browserPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			browserPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	logger := p.logger.With(zap.String("user_id", userID), zap.String("container_id", resp.ID))

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[browserPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no browser port", resp.ID)
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	logger.Info("browser container ready", zap.String("port", port))
	return &Instance{
		ContainerID: resp.ID,
		UserID:      userID,
		ConnectURL:  fmt.Sprintf("ws://127.0.0.1:%s", port),
		Port:        port,
	}, nil
}

// StopBrowser stops and removes a container
func (p *Pool) StopBrowser(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Sweep removes every container this service created, such as those left
// behind by a crash. It returns how many were removed.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	ids, err := p.list(ctx, filters.Arg("label", labelManaged+"=true"))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return 0, fmt.Errorf("failed to remove container %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		p.logger.Info("removed leftover browser containers", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// EnsureImage pulls the browser image unless it is present
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		if slices.Contains(img.RepoTags, p.opts.Image) {
			return nil
		}
	}

	p.logger.Info("pulling browser image", zap.String("image", p.opts.Image))
	reader, err := p.client.ImagePull(ctx, p.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// removeUser clears a container left over from the user's previous launch
func (p *Pool) removeUser(ctx context.Context, userID string) error {
	ids, err := p.list(ctx, filters.Arg("label", labelUser+"="+userID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.logger.Info("removing stale browser container", zap.String("user_id", userID), zap.String("container_id", id))
		if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove stale container: %w", err)
		}
	}
	return nil
}

func (p *Pool) list(ctx context.Context, args ...filters.KeyValuePair) ([]string, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters.NewArgs(args...)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

// waitForBrowserReady polls /json/version until the browser answers
func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)

	for range readyTries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyEvery):
		}
	}
	return fmt.Errorf("browser did not become ready after %d tries", readyTries)
}
