package pipeline

import (
	"errors"
	"fmt"
)

// State is a position in the driver lifecycle.
type State int32

const (
	Idle State = iota
	Polling
	BatchFlush
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case BatchFlush:
		return "batch_flush"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stage names the step of the pipeline that failed.
type Stage string

const (
	StageDecode       Stage = "decode"
	StageEmbed        Stage = "embed"
	StageImageEmbed   Stage = "image_embed"
	StageVectorUpsert Stage = "vector_upsert"
	StageRowUpsert    Stage = "row_upsert"
	StageImageUpsert  Stage = "image_upsert"
)

// StageError is a failure of one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fatal reports whether documents of the batch were lost. Decode and image
// failures only drop the affected message or images.
func (e *StageError) Fatal() bool {
	switch e.Stage {
	case StageEmbed, StageVectorUpsert, StageRowUpsert:
		return true
	default:
		return false
	}
}

// Fatal reports whether err, possibly a join of several errors, holds a
// StageError that cost the batch its documents. Errors that are not
// StageErrors count as fatal.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if Fatal(e) {
				return true
			}
		}
		return false
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Fatal()
	}
	return true
}
