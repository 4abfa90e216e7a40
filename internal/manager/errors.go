package manager

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("bot not found")
	ErrAlreadyExists  = errors.New("bot already exists")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrSpawnFailure   = errors.New("failed to spawn bot process")
	ErrRuntimeCrash   = errors.New("bot process crashed")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
)

// SpawnError reports a failed launch. Stage is "setup" or "spawn".
type SpawnError struct {
	ID    string
	Stage string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.ID, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawnFailure, e.Err} }
