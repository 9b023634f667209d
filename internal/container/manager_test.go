package container

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/tum-esm/edge-gateway/internal/gitsrc"
)

// fakeDocker simulates the daemon: one optional controller container plus a
// set of locally available image tags.
type fakeDocker struct {
	running   bool
	image     string
	startedAt string

	imageTags []string

	stopped int
	started int
	created []string
	pruned  int
	built   []string
}

func (f *fakeDocker) ContainerList(_ context.Context, _ containertypes.ListOptions) ([]containertypes.Summary, error) {
	if f.image == "" {
		return nil, nil
	}
	return []containertypes.Summary{{ID: "c1", Names: []string{"/" + ContainerName}, Image: f.image}}, nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (containertypes.InspectResponse, error) {
	resp := containertypes.InspectResponse{}
	resp.ContainerJSONBase = &containertypes.ContainerJSONBase{
		State: &containertypes.State{Running: f.running, StartedAt: f.startedAt},
	}
	resp.Config = &containertypes.Config{Image: f.image}
	return resp, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, _ string, _ containertypes.StopOptions) error {
	f.stopped++
	f.running = false
	f.image = ""
	return nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *containertypes.Config, _ *containertypes.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (containertypes.CreateResponse, error) {
	f.created = append(f.created, name)
	f.image = config.Image
	return containertypes.CreateResponse{ID: "c-new"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, _ string, _ containertypes.StartOptions) error {
	f.started++
	f.running = true
	return nil
}

func (f *fakeDocker) ContainersPrune(_ context.Context, _ filters.Args) (containertypes.PruneReport, error) {
	f.pruned++
	return containertypes.PruneReport{}, nil
}

func (f *fakeDocker) ImageList(_ context.Context, _ imagetypes.ListOptions) ([]imagetypes.Summary, error) {
	out := make([]imagetypes.Summary, 0, len(f.imageTags))
	for _, t := range f.imageTags {
		out = append(out, imagetypes.Summary{RepoTags: []string{t}})
	}
	return out, nil
}

func (f *fakeDocker) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	_, _ = io.Copy(io.Discard, buildContext)
	f.built = append(f.built, options.Tags...)
	f.imageTags = append(f.imageTags, options.Tags...)
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

type fakePub struct {
	states    []string
	requested []string
}

func (f *fakePub) PublishSwState(version, state, errMsg string) bool {
	f.states = append(f.states, state)
	return true
}

func (f *fakePub) RequestSharedAttributes(keys string) bool {
	f.requested = append(f.requested, keys)
	return true
}

func newTestManager(t *testing.T, docker *fakeDocker, pub *fakePub) *Manager {
	t.Helper()
	return NewManager(Options{
		Docker:           docker,
		Pub:              pub,
		DataPath:         "/tmp/data",
		LogsPath:         "/tmp/logs",
		LastLaunchedPath: filepath.Join(t.TempDir(), "last_launched_controller_version.txt"),
		Log:              zerolog.Nop(),
	})
}

func TestVersionFromImage(t *testing.T) {
	hash := strings.Repeat("a", 40)
	tests := []struct {
		image string
		want  string
		ok    bool
	}{
		{"teg-controller-v1.2.3:latest", "v1.2.3", true},
		{"teg-controller-" + hash + ":latest", hash, true},
		{"teg-controller-v1.2.3", "v1.2.3", true},
		{"teg-controller-1.2.3:latest", "", false},
		{"other-image:latest", "", false},
		{"teg-controller-:latest", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			got, ok := versionFromImage(tt.image)
			if ok != tt.ok || got != tt.want {
				t.Errorf("versionFromImage(%q) = %q,%v, want %q,%v", tt.image, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStartWithLocalImage(t *testing.T) {
	docker := &fakeDocker{imageTags: []string{"teg-controller-v1.0.0:latest"}}
	pub := &fakePub{}
	m := newTestManager(t, docker, pub)

	if err := m.Start(context.Background(), "v1.0.0"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if docker.started != 1 || docker.pruned != 1 {
		t.Errorf("started=%d pruned=%d, want 1/1", docker.started, docker.pruned)
	}
	if len(docker.built) != 0 {
		t.Errorf("built %v, want no builds for a local image", docker.built)
	}
	// No download phase when the image is already present.
	want := []string{StateUpdating, StateUpdated}
	if len(pub.states) != len(want) {
		t.Fatalf("states = %v, want %v", pub.states, want)
	}
	for i := range want {
		if pub.states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, pub.states[i], want[i])
		}
	}

	version, ok := m.LastLaunchedVersion()
	if !ok || version != "v1.0.0" {
		t.Errorf("LastLaunchedVersion = %q,%v, want v1.0.0", version, ok)
	}
}

func TestStartBuildsMissingImage(t *testing.T) {
	// A real source tree: one commit tagged v1.2.3.
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if _, err := wt.Add("Dockerfile"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := repo.CreateTag("v1.2.3", hash, nil); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}

	docker := &fakeDocker{}
	pub := &fakePub{}
	m := NewManager(Options{
		Docker:            docker,
		Git:               gitsrc.New(dir, zerolog.Nop()),
		Pub:               pub,
		DockerContextPath: dir,
		DockerfilePath:    "./Dockerfile",
		DataPath:          "/tmp/data",
		LogsPath:          "/tmp/logs",
		LastLaunchedPath:  filepath.Join(t.TempDir(), "last_launched_controller_version.txt"),
		Log:               zerolog.Nop(),
	})

	if err := m.Start(context.Background(), "v1.2.3"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(docker.built) != 1 || docker.built[0] != "teg-controller-v1.2.3:latest" {
		t.Errorf("built = %v", docker.built)
	}
	want := []string{StateDownloading, StateDownloaded, StateUpdating, StateUpdated}
	if len(pub.states) != len(want) {
		t.Fatalf("states = %v, want %v", pub.states, want)
	}
	for i := range want {
		if pub.states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, pub.states[i], want[i])
		}
	}
	version, ok := m.LastLaunchedVersion()
	if !ok || version != "v1.2.3" {
		t.Errorf("LastLaunchedVersion = %q,%v", version, ok)
	}
	raw, err := os.ReadFile(m.lastLaunchedPath)
	if err != nil || string(raw) != "v1.2.3" {
		t.Errorf("persisted = %q, %v", raw, err)
	}
}

func TestStartUnresolvableVersionFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	docker := &fakeDocker{}
	pub := &fakePub{}
	m := NewManager(Options{
		Docker:            docker,
		Git:               gitsrc.New(dir, zerolog.Nop()),
		Pub:               pub,
		DockerContextPath: dir,
		LastLaunchedPath:  filepath.Join(t.TempDir(), "last.txt"),
		Log:               zerolog.Nop(),
	})

	if err := m.Start(context.Background(), "v9.9.9"); err == nil {
		t.Fatal("expected error for unresolvable version")
	}
	if pub.states[len(pub.states)-1] != StateFailed {
		t.Errorf("states = %v, want FAILED last", pub.states)
	}
	if docker.started != 0 {
		t.Errorf("started = %d, want 0", docker.started)
	}
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	docker := &fakeDocker{
		running:   true,
		image:     "teg-controller-v1.0.0:latest",
		imageTags: []string{"teg-controller-v1.0.0:latest"},
	}
	pub := &fakePub{}
	m := newTestManager(t, docker, pub)

	if err := m.Start(context.Background(), "v1.0.0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if docker.started != 0 || docker.stopped != 0 {
		t.Errorf("started=%d stopped=%d, want 0/0 when version matches", docker.started, docker.stopped)
	}
}

func TestStartReplacesOtherVersion(t *testing.T) {
	docker := &fakeDocker{
		running:   true,
		image:     "teg-controller-v1.0.0:latest",
		imageTags: []string{"teg-controller-v1.0.0:latest", "teg-controller-v2.0.0:latest"},
	}
	pub := &fakePub{}
	m := newTestManager(t, docker, pub)

	if err := m.Start(context.Background(), "v2.0.0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if docker.stopped != 1 {
		t.Errorf("stopped = %d, want 1", docker.stopped)
	}
	if docker.started != 1 {
		t.Errorf("started = %d, want 1", docker.started)
	}
	version, _ := m.LastLaunchedVersion()
	if version != "v2.0.0" {
		t.Errorf("LastLaunchedVersion = %q, want v2.0.0", version)
	}
}

func TestStopPersistsRunningVersion(t *testing.T) {
	docker := &fakeDocker{running: true, image: "teg-controller-v1.5.0:latest"}
	pub := &fakePub{}
	m := newTestManager(t, docker, pub)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if docker.stopped != 1 {
		t.Errorf("stopped = %d, want 1", docker.stopped)
	}
	raw, err := os.ReadFile(m.lastLaunchedPath)
	if err != nil {
		t.Fatalf("read last-launched: %v", err)
	}
	if string(raw) != "v1.5.0" {
		t.Errorf("persisted = %q, want v1.5.0", raw)
	}
}

func TestStartupTimestampMS(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docker := &fakeDocker{
		running:   true,
		image:     "teg-controller-v1.0.0:latest",
		startedAt: started.Format(time.RFC3339Nano),
	}
	m := newTestManager(t, docker, &fakePub{})

	ts, ok := m.StartupTimestampMS(context.Background())
	if !ok {
		t.Fatal("StartupTimestampMS not available")
	}
	if ts != started.UnixMilli() {
		t.Errorf("ts = %d, want %d", ts, started.UnixMilli())
	}
}
