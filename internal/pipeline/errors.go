package pipeline

import (
	"errors"
	"fmt"
)

// Stage identifies which pipeline stage failed. Each stage maps to its own
// process exit code so batch schedulers can tell failures apart.
type Stage string

const (
	StageConfig    Stage = "config"
	StageIngest    Stage = "ingest"
	StageCrosswalk Stage = "crosswalk"
	StageAggregate Stage = "aggregate"
	StageStats     Stage = "stats"
	StagePct       Stage = "pct"
	StageStore     Stage = "store"
	StageScore     Stage = "score"
)

var exitCodes = map[Stage]int{
	StageConfig:    2,
	StageIngest:    3,
	StageCrosswalk: 4,
	StageAggregate: 5,
	StageStats:     6,
	StagePct:       7,
	StageStore:     8,
	StageScore:     9,
}

// StageError tags an error with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func fail(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// ExitCode maps an error to a process exit code. Untagged errors exit 1;
// nil exits 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StageError
	if errors.As(err, &se) {
		if code, ok := exitCodes[se.Stage]; ok {
			return code
		}
	}
	return 1
}
