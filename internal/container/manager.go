package container

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"
)

//go:embed Dockerfile
var baseDockerfile []byte

const (
	// LabelUserID marks containers managed by this process. CleanupAll
	// selects on it.
	LabelUserID      = "termlab.user_id"
	LabelChallengeID = "termlab.challenge_id"
	LabelCreatedAt   = "termlab.created_at"

	stopGrace = 5 * time.Second
)

// Catalog resolves a challenge id to its on-disk directory.
type Catalog interface {
	Dir(challengeID uint) (string, error)
}

// SetupChecker reports whether a challenge directory ships a setup script.
// catalog.HasSetup satisfies it; tests substitute their own.
type SetupChecker func(dir string) bool

// ManagerConfig is the container resource profile.
type ManagerConfig struct {
	ImageName   string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
}

// Manager provisions per-challenge containers and runs scripts inside them.
// It is stateless except for the image-built flag; the build mutex makes
// concurrent EnsureImage calls collapse to a single build (build-or-wait).
type Manager struct {
	driver   Driver
	catalog  Catalog
	hasSetup SetupChecker
	cfg      ManagerConfig

	buildMu    sync.Mutex
	imageReady bool
}

func NewManager(driver Driver, catalog Catalog, hasSetup SetupChecker, cfg ManagerConfig) *Manager {
	return &Manager{
		driver:   driver,
		catalog:  catalog,
		hasSetup: hasSetup,
		cfg:      cfg,
	}
}

// EnsureImage builds the base image if the engine does not have it yet.
// Idempotent; concurrent callers block until the first build finishes.
func (m *Manager) EnsureImage(ctx context.Context) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if m.imageReady {
		return nil
	}

	exists, err := m.driver.ImageExists(ctx, m.cfg.ImageName)
	if err != nil {
		return err
	}
	if exists {
		m.imageReady = true
		return nil
	}

	log.Printf("Image %s not found, building...", m.cfg.ImageName)
	if err := m.driver.BuildImage(ctx, m.cfg.ImageName, baseDockerfile); err != nil {
		return err
	}
	log.Printf("Image %s built", m.cfg.ImageName)
	m.imageReady = true
	return nil
}

// CreateForChallenge provisions and starts a container for one (user,
// challenge) pair: the challenge directory is mounted read-only at
// /challenge and setup.sh runs to completion when present.
func (m *Manager) CreateForChallenge(ctx context.Context, userID, challengeID uint) (string, error) {
	dir, err := m.catalog.Dir(challengeID)
	if err != nil {
		return "", err
	}

	spec := Spec{
		Image: m.cfg.ImageName,
		Tty:   true,
		Cmd:   []string{"/bin/bash"},
		Mounts: []Mount{
			{Source: dir, Target: "/challenge", ReadOnly: true},
		},
		MemoryBytes: m.cfg.MemoryBytes,
		NanoCPUs:    m.cfg.NanoCPUs,
		PidsLimit:   m.cfg.PidsLimit,
		NetworkMode: m.cfg.NetworkMode,
		Labels: map[string]string{
			LabelUserID:      strconv.FormatUint(uint64(userID), 10),
			LabelChallengeID: strconv.FormatUint(uint64(challengeID), 10),
			LabelCreatedAt:   time.Now().UTC().Format(time.RFC3339),
		},
	}

	id, err := m.driver.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create for challenge %d: %w", challengeID, err)
	}

	if err := m.driver.StartContainer(ctx, id); err != nil {
		m.driver.RemoveContainer(ctx, id, true)
		return "", fmt.Errorf("start for challenge %d: %w", challengeID, err)
	}

	if m.hasSetup != nil && m.hasSetup(dir) {
		if err := m.runScript(ctx, id, "/challenge/setup.sh"); err != nil {
			log.Printf("Setup script failed for container %s: %v", id, err)
		}
	}

	return id, nil
}

// runScript executes a script with output attached and drained. The drain
// matters: an exec whose streams are not consumed can block.
func (m *Manager) runScript(ctx context.Context, containerID, path string) error {
	execID, err := m.driver.ExecCreate(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/bash", path},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return err
	}

	stream, err := m.driver.ExecStart(ctx, execID, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	_, err = io.Copy(io.Discard, stream)
	return err
}

// Validate runs /challenge/validate.sh inside the container and reports
// whether it exited zero. The output stream is drained to end-of-stream
// before the exec is inspected — on Docker the exit code is undefined until
// the stream is fully consumed. Transport errors yield false so the caller
// still records the attempt.
func (m *Manager) Validate(ctx context.Context, containerID string, challengeID uint) (bool, error) {
	execID, err := m.driver.ExecCreate(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/bash", "/challenge/validate.sh"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, fmt.Errorf("validate challenge %d: %w", challengeID, err)
	}

	stream, err := m.driver.ExecStart(ctx, execID, false)
	if err != nil {
		return false, fmt.Errorf("validate challenge %d: %w", challengeID, err)
	}

	_, copyErr := io.Copy(io.Discard, stream)
	stream.Close()
	if copyErr != nil {
		return false, fmt.Errorf("validate challenge %d: drain: %w", challengeID, copyErr)
	}

	status, err := m.waitExec(ctx, execID)
	if err != nil {
		return false, fmt.Errorf("validate challenge %d: %w", challengeID, err)
	}

	return status.ExitCode == 0, nil
}

// waitExec polls exec state until the process has exited. The stream is
// already at EOF when this is called, so the exec is normally done on the
// first inspect.
func (m *Manager) waitExec(ctx context.Context, execID string) (ExecStatus, error) {
	for {
		status, err := m.driver.ExecInspect(ctx, execID)
		if err != nil {
			return ExecStatus{}, err
		}
		if !status.Running {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return ExecStatus{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// PTY is an interactive shell attached inside a container.
type PTY struct {
	ExecID string
	Stream ExecStream
	resize func(cols, rows uint16) error
}

func (p *PTY) Resize(cols, rows uint16) error {
	if p.resize == nil {
		return nil
	}
	return p.resize(cols, rows)
}

func (p *PTY) Close() {
	p.Stream.Close()
}

// AttachPTY starts an interactive bash exec with a TTY. The tty flag is set
// on both the create and the start: without it the engine multiplexes
// stdout/stderr with an 8-byte framing header that breaks terminal
// rendering.
func (m *Manager) AttachPTY(ctx context.Context, containerID string) (*PTY, error) {
	execID, err := m.driver.ExecCreate(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/bash"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach pty: %w", err)
	}

	stream, err := m.driver.ExecStart(ctx, execID, true)
	if err != nil {
		return nil, fmt.Errorf("attach pty: %w", err)
	}

	return &PTY{
		ExecID: execID,
		Stream: stream,
		resize: func(cols, rows uint16) error {
			return m.driver.ExecResize(ctx, execID, cols, rows)
		},
	}, nil
}

// Remove stops the container with a short grace period and force-removes it.
// Stop failures are swallowed: the container may already be dead.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	if err := m.driver.StopContainer(ctx, containerID, stopGrace); err != nil {
		log.Printf("Stop container %s: %v", containerID, err)
	}
	if err := m.driver.RemoveContainer(ctx, containerID, true); err != nil {
		return &RemoveError{ContainerID: containerID, Err: err}
	}
	return nil
}

// CleanupAll removes every container this process manages, continuing past
// individual failures and returning the first error seen.
func (m *Manager) CleanupAll(ctx context.Context) error {
	ids, err := m.driver.ListContainers(ctx, LabelUserID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range ids {
		if err := m.driver.RemoveContainer(ctx, id, true); err != nil {
			log.Printf("Cleanup container %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
