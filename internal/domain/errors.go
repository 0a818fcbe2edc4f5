package domain

import (
	"errors"
	"fmt"
)

// Error kinds of the sizing loop. Only ErrPredictionUnavailable and
// ErrCorpusWrite are ever returned to abort an operation; the others are
// reported through results and logs.
var (
	ErrFeatureExtractionDegraded = errors.New("feature extraction degraded")
	ErrPredictionUnavailable     = errors.New("prediction unavailable")
	ErrUnknownTier               = errors.New("unknown tier")
	ErrMonitorMisuse             = errors.New("resource monitor misuse")
	ErrCorpusWrite               = errors.New("corpus write failed")
	ErrInsufficientData          = errors.New("insufficient training data")
	ErrTrainingFailed            = errors.New("training failed")
	ErrTrainingInProgress        = errors.New("training already in progress")
)

// CorpusWriteError reports a training record that could not be persisted
type CorpusWriteError struct {
	BuildID string
	Path    string
	Err     error
}

func (e *CorpusWriteError) Error() string {
	return fmt.Sprintf("%s: build %s to %s: %v", ErrCorpusWrite, e.BuildID, e.Path, e.Err)
}

func (e *CorpusWriteError) Unwrap() error { return e.Err }

// Is matches ErrCorpusWrite so callers need not know the concrete type
func (e *CorpusWriteError) Is(target error) bool {
	return target == ErrCorpusWrite
}
