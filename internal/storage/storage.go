// Package storage holds what the run journal implementations share.
package storage

import (
	"errors"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps listings that do not set a limit.
const DefaultListLimit = 100

// Re-export journal types from core/ports.
type (
	RunJournal     = ports.RunJournal
	RunRecord      = ports.RunRecord
	RunListOptions = ports.RunListOptions
	StageEvent     = ports.StageEvent
)
