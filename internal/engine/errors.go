package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"relocation/internal/engine/auth"
	"relocation/internal/ordered"
	"relocation/internal/repo"
)

// ValidationError maps offending fields to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) ValidationError {
	return ValidationError{Fields: map[string]string{field: msg}}
}

// NotFoundError names what was looked up. It matches repo.ErrNotFound.
type NotFoundError struct {
	Kind string
	IDs  []string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, strings.Join(e.IDs, ", "))
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// notFound converts repo.ErrNotFound into a NotFoundError and passes other errors through.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, IDs: []string{id}}
	}
	return err
}

// InvalidStageError reports a target that is not an active stage of the entity's scope.
type InvalidStageError struct {
	StageID string
	Scope   string
	Reason  string
}

func (e InvalidStageError) Error() string {
	return fmt.Sprintf("invalid stage %s for scope %s: %s", e.StageID, e.Scope, e.Reason)
}

// MissingPrerequisiteError lists, in order, the names of earlier stages not yet completed.
type MissingPrerequisiteError struct {
	StageID string
	Missing []string
}

func (e MissingPrerequisiteError) Error() string {
	return fmt.Sprintf("missing prerequisite: [%s]", strings.Join(e.Missing, ", "))
}

// FrozenError reports an edit or delete on a record past its freeze threshold.
type FrozenError struct {
	Op        string
	Status    int
	Threshold int
}

func (e FrozenError) Error() string {
	return fmt.Sprintf("cannot %s record at status %d (frozen from %d)", e.Op, e.Status, e.Threshold)
}

type InvalidPositionError struct {
	Position int
	Max      int
}

func (e InvalidPositionError) Error() string {
	return fmt.Sprintf("invalid position %d: must be between 0 and %d", e.Position, e.Max)
}

func positionError(err error) error {
	var oor ordered.OutOfRangeError
	if errors.As(err, &oor) {
		return InvalidPositionError{Position: oor.Position, Max: oor.Max}
	}
	return err
}

// ErrorCode is the stable machine code for err, "ok" for nil. It labels metrics
// and the HTTP error envelope.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ve  ValidationError
		nf  NotFoundError
		ise InvalidStageError
		mp  MissingPrerequisiteError
		fe  FrozenError
		ipe InvalidPositionError
		ue  auth.UnauthorizedError
		nae auth.NotActivatedError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &nf), errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &ise):
		return "invalid_stage"
	case errors.As(err, &mp):
		return "missing_prerequisite"
	case errors.As(err, &fe):
		return "frozen"
	case errors.As(err, &ipe):
		return "invalid_position"
	case errors.As(err, &nae):
		return "not_activated"
	case errors.As(err, &ue):
		return "unauthorized"
	}
	return "internal"
}
