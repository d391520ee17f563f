package models

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an asset.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	// StatusCompleted is accepted on read for legacy rows; nothing moves an
	// asset into it.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReady     Status = "READY"
)

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

var allStatuses = []Status{StatusUploading, StatusProcessing, StatusCompleted, StatusFailed, StatusReady}

// transitions lists the moves the pipeline may make. failed -> processing is
// only reachable through Reprocess.
var transitions = map[Status][]Status{
	StatusUploading:  {StatusProcessing},
	StatusProcessing: {StatusReady, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// Statuses returns every known status in declaration order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus accepts the canonical spelling of a status. READY is matched
// case-insensitively since it is the only upper-case value.
func ParseStatus(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	for _, status := range allStatuses {
		if string(status) == trimmed || strings.EqualFold(string(status), trimmed) {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	for _, status := range allStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Terminal reports whether the pipeline never moves an asset out of s on its
// own.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusCompleted
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when
// from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
