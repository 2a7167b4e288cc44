// Package saga runs ordered remote steps with compensating actions.
//
// Steps execute in order. When a step fails, the compensations of every step that
// took effect run in reverse order. Each compensation is attempted even if an
// earlier one failed; compensation failures are logged and reported on the
// returned *Error, which always unwraps to the error of the failing step.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Step struct {
	Name string
	Do   func(ctx context.Context) error
	// Compensate undoes Do. Nil means the step has nothing to undo.
	Compensate func(ctx context.Context) error
	// Tolerant steps log their failure and let the saga continue. A failed
	// tolerant step is treated as not applied, so its compensation is skipped.
	Tolerant bool
	// CompensateOnFailure runs Compensate for this step even when Do failed,
	// for actions that may have applied remotely before reporting an error.
	CompensateOnFailure bool
}

type CompensationFailure struct {
	Step string
	Err  error
}

// Error reports a failed saga. Unwrap returns the failing step's error.
type Error struct {
	Saga          string
	Step          string
	Err           error
	Compensations []CompensationFailure
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: step %s failed: %v", e.Saga, e.Step, e.Err)
	if len(e.Compensations) > 0 {
		names := make([]string, 0, len(e.Compensations))
		for _, c := range e.Compensations {
			names = append(names, c.Step)
		}
		msg += fmt.Sprintf(" (compensation failed for %s)", strings.Join(names, ", "))
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Observer receives compensation outcomes, e.g. for metrics.
type Observer func(saga, step string, err error)

type Saga struct {
	Name     string
	Steps    []Step
	Logger   zerolog.Logger
	Observer Observer
}

func New(name string, logger zerolog.Logger) *Saga {
	return &Saga{Name: name, Logger: logger}
}

func (s *Saga) Add(step Step) *Saga {
	s.Steps = append(s.Steps, step)
	return s
}

// Run executes the steps. Compensations run with a context detached from ctx's
// cancellation so an abandoned caller does not prevent the rollback.
func (s *Saga) Run(ctx context.Context) error {
	applied := make([]Step, 0, len(s.Steps))

	for _, step := range s.Steps {
		err := step.Do(ctx)
		if err == nil {
			applied = append(applied, step)
			continue
		}

		if step.Tolerant {
			s.Logger.Warn().Err(err).Str("saga", s.Name).Str("step", step.Name).Msg("Tolerated step failure, continuing")
			continue
		}

		s.Logger.Error().Err(err).Str("saga", s.Name).Str("step", step.Name).Msg("Step failed, compensating")
		if step.CompensateOnFailure {
			applied = append(applied, step)
		}
		return &Error{
			Saga:          s.Name,
			Step:          step.Name,
			Err:           err,
			Compensations: s.compensate(context.WithoutCancel(ctx), applied),
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, applied []Step) []CompensationFailure {
	var failures []CompensationFailure
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.Compensate == nil {
			continue
		}
		err := step.Compensate(ctx)
		if s.Observer != nil {
			s.Observer(s.Name, step.Name, err)
		}
		if err != nil {
			s.Logger.Error().Err(err).Str("saga", s.Name).Str("step", step.Name).Msg("Compensation failed")
			failures = append(failures, CompensationFailure{Step: step.Name, Err: err})
			continue
		}
		s.Logger.Info().Str("saga", s.Name).Str("step", step.Name).Msg("Compensated")
	}
	return failures
}

// Failed returns the compensation failures of a saga error, if err is one.
func Failed(err error) []CompensationFailure {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Compensations
	}
	return nil
}
