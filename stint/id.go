package stint

import (
	"github.com/google/uuid"
)

// ID prefixes make the three identifier families recognizable in logs and
// database dumps without a schema lookup.
const (
	JobIDPrefix    = "SJ_"
	RunIDPrefix    = "SR_"
	HolderIDPrefix = "HOLD_"
)

// NewJobID returns a fresh stint job identifier.
func NewJobID() string {
	return JobIDPrefix + uuid.NewString()
}

// NewRunID returns a fresh run-log identifier.
func NewRunID() string {
	return RunIDPrefix + uuid.NewString()
}

// NewHolderID returns an invocation-scoped lock holder identifier.
func NewHolderID() string {
	return HolderIDPrefix + uuid.NewString()
}
