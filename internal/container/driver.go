package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/gluk-w/termlab/internal/config"
)

// Mount is a bind mount from a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec enumerates everything the driver needs to create a container.
type Spec struct {
	Image       string
	Tty         bool
	Cmd         []string
	Mounts      []Mount
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
	Labels      map[string]string
}

// ExecSpec describes an exec inside a running container.
type ExecSpec struct {
	Cmd          []string
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
	Tty          bool
}

// ExecStatus is the result of inspecting an exec.
type ExecStatus struct {
	ExitCode int
	Running  bool
}

// ExecStream is the duplex byte stream of a started exec.
type ExecStream interface {
	io.Reader
	io.Writer
	Close()
}

// Driver is the thin capability over the container engine. It performs no
// retries and no policy; higher layers decide.
type Driver interface {
	ImageExists(ctx context.Context, name string) (bool, error)
	BuildImage(ctx context.Context, name string, dockerfile []byte) error
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ExecCreate(ctx context.Context, id string, spec ExecSpec) (string, error)
	ExecStart(ctx context.Context, execID string, tty bool) (ExecStream, error)
	ExecInspect(ctx context.Context, execID string) (ExecStatus, error)
	ExecResize(ctx context.Context, execID string, cols, rows uint16) error
	ListContainers(ctx context.Context, label string) ([]string, error)
}

// DockerDriver implements Driver over the local Docker daemon.
type DockerDriver struct {
	client *dockerclient.Client
}

func NewDockerDriver(ctx context.Context) (*DockerDriver, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	return &DockerDriver{client: client}, nil
}

func (d *DockerDriver) ImageExists(ctx context.Context, name string) (bool, error) {
	_, _, err := d.client.ImageInspectWithRaw(ctx, name)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %s: %w", name, err)
}

func (d *DockerDriver) BuildImage(ctx context.Context, name string, dockerfile []byte) error {
	buildCtx, err := tarContext(dockerfile)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{name},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return &BuildError{Image: name, Message: err.Error()}
	}
	defer resp.Body.Close()

	// The build API streams JSON messages; a failing step arrives as an
	// "error" message, not as an HTTP error.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return &BuildError{Image: name, Message: err.Error()}
		}
		if msg.Error != "" {
			return &BuildError{Image: name, Message: msg.Error}
		}
	}
}

// tarContext packs a Dockerfile into the single-file tar stream the build
// API expects.
func tarContext(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: "Dockerfile",
		Mode: 0644,
		Size: int64(len(dockerfile)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, len(spec.Mounts))
	for i, m := range spec.Mounts {
		mounts[i] = mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
	}

	containerCfg := &containertypes.Config{
		Image:     spec.Image,
		Cmd:       spec.Cmd,
		Tty:       spec.Tty,
		OpenStdin: spec.Tty,
		Labels:    spec.Labels,
	}

	pids := spec.PidsLimit
	hostCfg := &containertypes.HostConfig{
		Mounts:      mounts,
		NetworkMode: containertypes.NetworkMode(spec.NetworkMode),
		Resources: containertypes.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &pids,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", classify(err, "create container")
	}
	return resp.ID, nil
}

func (d *DockerDriver) StartContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, containertypes.StartOptions{}); err != nil {
		return classify(err, "start container")
	}
	return nil
}

func (d *DockerDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err, "stop container")
	}
	return nil
}

func (d *DockerDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := d.client.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: force}); err != nil {
		return classify(err, "remove container")
	}
	return nil
}

func (d *DockerDriver) ExecCreate(ctx context.Context, id string, spec ExecSpec) (string, error) {
	resp, err := d.client.ContainerExecCreate(ctx, id, containertypes.ExecOptions{
		Cmd:          spec.Cmd,
		AttachStdin:  spec.AttachStdin,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
		Tty:          spec.Tty,
	})
	if err != nil {
		return "", classify(err, "exec create")
	}
	return resp.ID, nil
}

func (d *DockerDriver) ExecStart(ctx context.Context, execID string, tty bool) (ExecStream, error) {
	resp, err := d.client.ContainerExecAttach(ctx, execID, containertypes.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, classify(err, "exec attach")
	}
	return &hijackedStream{resp: resp}, nil
}

func (d *DockerDriver) ExecInspect(ctx context.Context, execID string) (ExecStatus, error) {
	resp, err := d.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, classify(err, "exec inspect")
	}
	return ExecStatus{ExitCode: resp.ExitCode, Running: resp.Running}, nil
}

func (d *DockerDriver) ExecResize(ctx context.Context, execID string, cols, rows uint16) error {
	return d.client.ContainerExecResize(ctx, execID, containertypes.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (d *DockerDriver) ListContainers(ctx context.Context, label string) ([]string, error) {
	containers, err := d.client.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids, nil
}

// hijackedStream adapts a hijacked exec connection to ExecStream.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h *hijackedStream) Close()                      { h.resp.Close() }

func classify(err error, op string) error {
	if dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if cerrdefs.IsConflict(err) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ensure DockerDriver implements Driver
var _ Driver = (*DockerDriver)(nil)
