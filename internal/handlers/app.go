package handlers

import (
	"context"

	"github.com/gluk-w/termlab/internal/container"
	"github.com/gluk-w/termlab/internal/database"
	"github.com/gluk-w/termlab/internal/session"
)

// ContainerService is the slice of the container manager the HTTP surface
// uses. *container.Manager satisfies it; tests substitute fakes.
type ContainerService interface {
	CreateForChallenge(ctx context.Context, userID, challengeID uint) (string, error)
	Validate(ctx context.Context, containerID string, challengeID uint) (bool, error)
	Remove(ctx context.Context, containerID string) error
	AttachPTY(ctx context.Context, containerID string) (*container.PTY, error)
}

// App carries the services the HTTP surface depends on. It is built once in
// main and handlers hang off it as methods. The database helpers and
// config.Cfg that some handlers use are still package-level state.
type App struct {
	Sessions   *session.Manager
	Containers ContainerService
	Progress   *database.ProgressStore
	Terminal   *TerminalGateway

	// EngineConnected reflects whether the container engine answered the
	// startup ping; surfaced by the health endpoint.
	EngineConnected bool
}
