// Package failure holds the closed set of error kinds shared by commit
// handlers, control loops and operational commands.
package failure

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindUnconfiguredSubsystem
	KindUnconfiguredObject
	KindDataUnavailable
	KindPermissionDenied
	KindInsufficientResources
	KindUnsupportedOperation
	KindIncorrectValue
	KindCommitInProgress
)

var kindNames = map[Kind]string{
	KindInternal:              "InternalError",
	KindConfig:                "ConfigError",
	KindUnconfiguredSubsystem: "UnconfiguredSubsystem",
	KindUnconfiguredObject:    "UnconfiguredObject",
	KindDataUnavailable:       "DataUnavailable",
	KindPermissionDenied:      "PermissionDenied",
	KindInsufficientResources: "InsufficientResources",
	KindUnsupportedOperation:  "UnsupportedOperation",
	KindIncorrectValue:        "IncorrectValue",
	KindCommitInProgress:      "CommitInProgress",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the only error type crossing the commit and operational boundaries.
// Path is the configuration path the error is about, if any.
type Error struct {
	Kind Kind
	Path []string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrCommitInProgress) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil && t.Path == nil
}

var (
	ErrConfig                = &Error{Kind: KindConfig}
	ErrUnconfiguredSubsystem = &Error{Kind: KindUnconfiguredSubsystem}
	ErrUnconfiguredObject    = &Error{Kind: KindUnconfiguredObject}
	ErrDataUnavailable       = &Error{Kind: KindDataUnavailable}
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrInsufficientResources = &Error{Kind: KindInsufficientResources}
	ErrUnsupportedOperation  = &Error{Kind: KindUnsupportedOperation}
	ErrIncorrectValue        = &Error{Kind: KindIncorrectValue}
	ErrCommitInProgress      = &Error{Kind: KindCommitInProgress}
	ErrInternal              = &Error{Kind: KindInternal}
)

func newf(kind Kind, path []string, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Config reports a verify failure or an operator-caused apply failure.
func Config(path []string, format string, args ...any) *Error {
	return newf(KindConfig, path, format, args...)
}

func UnconfiguredSubsystem(format string, args ...any) *Error {
	return newf(KindUnconfiguredSubsystem, nil, format, args...)
}

func UnconfiguredObject(format string, args ...any) *Error {
	return newf(KindUnconfiguredObject, nil, format, args...)
}

func DataUnavailable(format string, args ...any) *Error {
	return newf(KindDataUnavailable, nil, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return newf(KindPermissionDenied, nil, format, args...)
}

func InsufficientResources(format string, args ...any) *Error {
	return newf(KindInsufficientResources, nil, format, args...)
}

func UnsupportedOperation(format string, args ...any) *Error {
	return newf(KindUnsupportedOperation, nil, format, args...)
}

func IncorrectValue(format string, args ...any) *Error {
	return newf(KindIncorrectValue, nil, format, args...)
}

func CommitInProgress(format string, args ...any) *Error {
	return newf(KindCommitInProgress, nil, format, args...)
}

// Internal wraps an underlying tool failure or logic bug.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, nil, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in the chain. Anything that is
// not an *Error is an internal error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PathOf returns the configuration path attached to err, joined by spaces.
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return strings.Join(e.Path, " ")
	}
	return ""
}

// ExitCode maps an error to a process exit status. Commit handlers exit 1 on
// any error; operational commands use 255 for unconfigured subsystems.
func ExitCode(err error, operational bool) int {
	if err == nil {
		return 0
	}
	if operational && KindOf(err) == KindUnconfiguredSubsystem {
		return 255
	}
	return 1
}

// Warning is printed and logged but never stops a commit.
func Warning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "\nWARNING: %s\n", msg)
	log.Warn().Msg(msg)
}
