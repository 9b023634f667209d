// Package container runs, stops, inspects, and builds the controller
// container, reporting OTA update state back to the backend at every
// transition so operators can diagnose stuck pipelines.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/gitsrc"
	"github.com/tum-esm/edge-gateway/internal/metrics"
)

const (
	// ContainerName is the fixed name of the controller container.
	ContainerName = "teg_controller"
	imagePrefix   = "teg-controller-"

	stopTimeoutSeconds = 60
)

// OTA lifecycle states published as telemetry.
const (
	StateDownloading = "DOWNLOADING"
	StateDownloaded  = "DOWNLOADED"
	StateUpdating    = "UPDATING"
	StateUpdated     = "UPDATED"
	StateFailed      = "FAILED"
)

// Publisher is the backend-facing capability the manager needs.
type Publisher interface {
	PublishSwState(version, state, errMsg string) bool
	RequestSharedAttributes(keys string) bool
}

type Options struct {
	Docker DockerAPI
	Git    *gitsrc.Client
	Pub    Publisher

	DockerContextPath string
	DockerfilePath    string
	DataPath          string
	LogsPath          string
	// LastLaunchedPath persists the version across gateway restarts.
	LastLaunchedPath string

	Log zerolog.Logger
}

type Manager struct {
	docker DockerAPI
	git    *gitsrc.Client
	pub    Publisher

	dockerContextPath string
	dockerfilePath    string
	dataPath          string
	logsPath          string
	lastLaunchedPath  string

	mu           sync.Mutex
	lastLaunched string

	log zerolog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		docker:            opts.Docker,
		git:               opts.Git,
		pub:               opts.Pub,
		dockerContextPath: opts.DockerContextPath,
		dockerfilePath:    opts.DockerfilePath,
		dataPath:          opts.DataPath,
		logsPath:          opts.LogsPath,
		lastLaunchedPath:  opts.LastLaunchedPath,
		log:               opts.Log,
	}
	if raw, err := os.ReadFile(m.lastLaunchedPath); err == nil {
		m.lastLaunched = strings.TrimSpace(string(raw))
	}
	return m
}

func (m *Manager) findController(ctx context.Context) (*containertypes.Summary, error) {
	containers, err := m.docker.ContainerList(ctx, containertypes.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range containers {
		for _, name := range containers[i].Names {
			if strings.TrimPrefix(name, "/") == ContainerName {
				return &containers[i], nil
			}
		}
	}
	return nil, nil
}

// IsRunning reports whether the controller container is up.
func (m *Manager) IsRunning(ctx context.Context) bool {
	c, err := m.findController(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("container list failed")
		return false
	}
	if c == nil {
		return false
	}
	inspect, err := m.docker.ContainerInspect(ctx, c.ID)
	if err != nil {
		m.log.Warn().Err(err).Msg("container inspect failed")
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// RunningVersion parses the controller version out of the running
// container's image tag. Accepts tags (v*) and 40-char commit hashes.
func (m *Manager) RunningVersion(ctx context.Context) (string, bool) {
	c, err := m.findController(ctx)
	if err != nil || c == nil {
		return "", false
	}
	inspect, err := m.docker.ContainerInspect(ctx, c.ID)
	if err != nil || inspect.State == nil || !inspect.State.Running || inspect.Config == nil {
		return "", false
	}
	return versionFromImage(inspect.Config.Image)
}

func versionFromImage(image string) (string, bool) {
	version := strings.TrimSuffix(image, ":latest")
	if !strings.HasPrefix(version, imagePrefix) {
		return "", false
	}
	version = strings.TrimPrefix(version, imagePrefix)
	if version == "" {
		return "", false
	}
	if version[0] == 'v' || len(version) == 40 {
		return version, true
	}
	return "", false
}

// StartupTimestampMS returns the container's StartedAt in unix milliseconds.
func (m *Manager) StartupTimestampMS(ctx context.Context) (int64, bool) {
	c, err := m.findController(ctx)
	if err != nil || c == nil {
		return 0, false
	}
	inspect, err := m.docker.ContainerInspect(ctx, c.ID)
	if err != nil || inspect.State == nil || !inspect.State.Running {
		return 0, false
	}
	started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		m.log.Warn().Err(err).Str("started_at", inspect.State.StartedAt).Msg("unparseable StartedAt")
		return 0, false
	}
	return started.UnixMilli(), true
}

// LastLaunchedVersion returns the persisted version of the last controller
// launch, if any.
func (m *Manager) LastLaunchedVersion() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLaunched, m.lastLaunched != ""
}

// RecordLastLaunched persists a version observed as running without going
// through a start cycle.
func (m *Manager) RecordLastLaunched(version string) {
	m.setLastLaunched(version)
}

func (m *Manager) setLastLaunched(version string) {
	m.mu.Lock()
	m.lastLaunched = version
	m.mu.Unlock()
	if err := os.WriteFile(m.lastLaunchedPath, []byte(version), 0o644); err != nil {
		m.log.Warn().Err(err).Str("path", m.lastLaunchedPath).Msg("failed to persist last-launched version")
	}
}

// Stop gracefully stops the controller. The running version is persisted
// first so a watchdog restart relaunches the same software without backend
// involvement.
func (m *Manager) Stop(ctx context.Context) error {
	c, err := m.findController(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		m.log.Info().Msg("controller container is not running")
		return nil
	}
	if version, ok := m.RunningVersion(ctx); ok {
		m.setLastLaunched(version)
	}
	timeout := stopTimeoutSeconds
	if err := m.docker.ContainerStop(ctx, c.ID, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop controller: %w", err)
	}
	m.log.Info().Msg("stopped controller container")
	return nil
}

// StartSafely wraps Start and downgrades any failure to a warning. Used by
// automated paths that must not crash the forwarding loop.
func (m *Manager) StartSafely(ctx context.Context, version string) {
	if err := m.Start(ctx, version); err != nil {
		m.log.Warn().Err(err).Str("version", version).Msg("controller start failed")
	}
}

// Start brings the controller up at the requested version, building the
// image from the pinned source commit when it is not available locally.
// Every OTA transition is published even when the update ultimately fails.
func (m *Manager) Start(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("no version to launch")
	}

	if m.IsRunning(ctx) {
		current, ok := m.RunningVersion(ctx)
		if ok && current == version {
			m.log.Info().Str("version", version).Msg("controller already running at requested version")
			m.setLastLaunched(current)
			return nil
		}
		if err := m.Stop(ctx); err != nil {
			return err
		}
		return m.Start(ctx, version)
	}

	imageTag := imagePrefix + version + ":latest"
	available, err := m.imageAvailable(ctx, imageTag)
	if err != nil {
		return err
	}
	if !available {
		if err := m.buildImage(ctx, version, imageTag); err != nil {
			m.pub.PublishSwState(version, StateFailed, err.Error())
			return err
		}
	}

	m.pub.PublishSwState(version, StateUpdating, "")
	if _, err := m.docker.ContainersPrune(ctx, filters.Args{}); err != nil {
		m.log.Warn().Err(err).Msg("container prune failed")
	}

	if err := m.runContainer(ctx, imageTag); err != nil {
		m.pub.PublishSwState(version, StateFailed, err.Error())
		return err
	}

	m.setLastLaunched(version)
	m.pub.PublishSwState(version, StateUpdated, "")
	metrics.ControllerRestarts.Inc()
	m.log.Info().Str("version", version).Msg("started controller container")
	return nil
}

func (m *Manager) imageAvailable(ctx context.Context, imageTag string) (bool, error) {
	images, err := m.docker.ImageList(ctx, imagetypes.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("image list: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageTag {
				return true, nil
			}
		}
	}
	return false, nil
}

// buildImage fetches, pins the source tree to the version's commit, and
// builds the controller image from the fixed Docker context.
func (m *Manager) buildImage(ctx context.Context, version, imageTag string) error {
	m.log.Info().Str("version", version).Msg("image not available locally, building")
	m.pub.PublishSwState(version, StateDownloading, "")

	if err := m.git.Fetch(); err != nil {
		m.log.Warn().Err(err).Msg("git fetch failed, resolving against local refs")
	}
	commit, err := m.git.ResolveVersion(version)
	if err != nil {
		return fmt.Errorf("resolve version %q: %w", version, err)
	}
	if err := m.git.ResetTo(commit); err != nil {
		return fmt.Errorf("reset source tree: %w", err)
	}
	if current, err := m.git.CurrentCommit(); err != nil || current != commit {
		return fmt.Errorf("source tree not at %s after reset", commit)
	}
	m.pub.PublishSwState(version, StateDownloaded, "")

	buildCtx := tarDirectory(m.dockerContextPath)
	defer buildCtx.Close()
	resp, err := m.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{imageTag},
		Dockerfile: m.dockerfilePath,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()
	// Drain the build output; the daemon aborts the build when the client
	// stops reading.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("image build stream: %w", err)
	}

	m.log.Info().Str("commit", commit).Str("tag", imageTag).Msg("built controller image")
	return nil
}

func (m *Manager) runContainer(ctx context.Context, imageTag string) error {
	created, err := m.docker.ContainerCreate(ctx,
		&containertypes.Config{Image: imageTag},
		&containertypes.HostConfig{
			NetworkMode: "host",
			Privileged:  true,
			RestartPolicy: containertypes.RestartPolicy{
				Name:              "on-failure",
				MaximumRetryCount: 3,
			},
			LogConfig: containertypes.LogConfig{
				Type:   "json-file",
				Config: map[string]string{"max-size": "10m", "max-file": "5"},
			},
			Binds: []string{
				"/bin/vcgencmd:/bin/vcgencmd:ro",
				"/bin/uptime:/bin/uptime:ro",
				"/bin/pigs:/bin/pigs:ro",
				m.dataPath + ":/root/data:rw",
				m.logsPath + ":/root/logs:rw",
			},
		},
		nil, nil, ContainerName)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}
