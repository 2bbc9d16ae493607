package gitsrc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRefResolution is the parent of every failure to turn a ref into a
	// locally present commit.
	ErrRefResolution  = errors.New("ref resolution failed")
	ErrUnsupportedRef = fmt.Errorf("%w: unsupported ref kind", ErrRefResolution)
	ErrRefNotFound    = fmt.Errorf("%w: ref not found", ErrRefResolution)
	ErrCommitNotFound = fmt.Errorf("%w: commit not found", ErrRefResolution)
)

// DuplicateRemoteError is returned by Git.RemoteAdd when the remote exists.
type DuplicateRemoteError struct {
	Name string
	URL  string
}

func (e *DuplicateRemoteError) Error() string {
	return fmt.Sprintf("remote %s already exists (url %s)", e.Name, e.URL)
}

// CommandError wraps a failed git invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }
