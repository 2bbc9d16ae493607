package pipeline

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a build that could not run because its inputs or
// on-disk layout were wrong. These are never retried.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports which stage found the problem.
type ConfigurationError struct {
	Stage string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Stage, ErrConfiguration, e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

func configErr(stage string, format string, args ...any) error {
	return &ConfigurationError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// BuildToolError is a non-zero exit (or timeout) of one build-tool phase.
type BuildToolError struct {
	Phase string
	Err   error
}

func (e *BuildToolError) Error() string {
	return fmt.Sprintf("build tool %s failed: %v", e.Phase, e.Err)
}

func (e *BuildToolError) Unwrap() error { return e.Err }
