package orchestrator

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/types"
)

// MissingArtifactError is returned when an operation needs an existing artifact's
// prompt and seed but the key has no readable artifact.
type MissingArtifactError struct {
	Key   string
	Tier  types.Tier
	Cause error
}

func (e *MissingArtifactError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("no usable artifact for %s: %v", e.Key, e.Cause)
	}
	return fmt.Sprintf("no artifact for %s", e.Key)
}

func (e *MissingArtifactError) Unwrap() error {
	return e.Cause
}
