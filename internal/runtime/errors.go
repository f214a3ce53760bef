package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrDaemonUnavailable is returned when no Docker daemon connection exists.
	ErrDaemonUnavailable = errors.New("docker daemon is not available")
	// ErrContainerNotFound is returned when the managed container does not exist.
	ErrContainerNotFound = errors.New("container not found")
	// ErrImageNotFound is returned when the configured image has not been built.
	ErrImageNotFound = errors.New("image not found")
	// ErrTimeout is returned when the container never reaches the wanted state.
	ErrTimeout = errors.New("container state timed out")
	// ErrInvalidState is returned when the container is in a state the
	// requested action cannot proceed from.
	ErrInvalidState = errors.New("container state does not allow this action")
)

// ImageNotFoundError names the missing image.
type ImageNotFoundError struct {
	Image string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image %q not found", e.Image)
}

func (e *ImageNotFoundError) Is(target error) bool {
	return target == ErrImageNotFound
}

// TimeoutError records which operation gave up waiting.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("container %s timed out", e.Op)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// InvalidStateError names the action and the state that blocked it.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s container while it is %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StateError is returned when the container exits while it should be running.
// Logs holds the container output collected at the time of failure.
type StateError struct {
	Status string
	State  string
	Logs   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: container is %s", e.Status, e.State)
}

// BuildError carries the daemon's error message and the build output seen so far.
type BuildError struct {
	Message string
	Logs    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed: %s", e.Message)
}
