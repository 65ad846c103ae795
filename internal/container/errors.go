package container

import (
	"errors"
	"fmt"
)

// Driver-level error taxonomy. The driver classifies raw engine errors; the
// manager wraps them; HTTP handlers translate kinds into status codes.
var (
	ErrNotFound      = errors.New("container not found")
	ErrAlreadyExists = errors.New("container already exists")
)

// BuildError reports a failed image build, including the engine's message
// for the failing step.
type BuildError struct {
	Image   string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build image %s: %s", e.Image, e.Message)
}

// RemoveError reports a failed container removal. Stop failures never
// produce one (a container that is already dead cannot be stopped).
type RemoveError struct {
	ContainerID string
	Err         error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("remove container %s: %v", e.ContainerID, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }
