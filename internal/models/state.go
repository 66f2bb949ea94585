package models

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of the local model.
type State int

const (
	Unloaded State = iota
	Downloading
	Downloaded
	Prewarming
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Downloading:
		return "downloading"
	case Downloaded:
		return "downloaded"
	case Prewarming:
		return "prewarming"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Busy reports whether a load is in progress in this state.
func (s State) Busy() bool {
	return s == Downloading || s == Prewarming || s == Loading
}

// canTransition encodes the forward-only chain. Reset to Unloaded is always
// allowed; Failed is reachable from any non-terminal state.
func canTransition(from, to State) bool {
	switch to {
	case Unloaded:
		return true
	case Failed:
		return from != Failed
	}
	switch from {
	case Unloaded:
		return to == Downloading || to == Downloaded
	case Downloading:
		return to == Downloaded
	case Downloaded:
		return to == Prewarming
	case Prewarming:
		return to == Loading
	case Loading:
		return to == Loaded
	}
	return false
}

var (
	ErrUnknownModel   = errors.New("models: unknown model")
	ErrNotLocal       = errors.New("models: not a local model")
	ErrCorrupted      = errors.New("models: model files corrupted")
	ErrBundledModel   = errors.New("models: bundled models cannot be deleted")
	ErrLoadInProgress = errors.New("models: load in progress")
	ErrNotLoaded      = errors.New("models: model not loaded")
)

// LoadError is returned once every load attempt has failed.
type LoadError struct {
	ModelID  string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("models: load %s failed after %d attempts: %v", e.ModelID, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
