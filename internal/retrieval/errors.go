package retrieval

import (
	"errors"
	"fmt"
)

// Error kinds, one per protocol step that can abort a session.
// Use errors.Is(err, ErrLock) and so on to tell them apart.
var (
	ErrConnect = errors.New("connect failed")
	ErrAuth    = errors.New("authentication failed")
	ErrLock    = errors.New("mailbox lock failed")
	ErrSearch  = errors.New("search failed")
	ErrFetch   = errors.New("fetch failed")
)

// Error is returned by Retrieve when a session aborts. It matches both its
// Kind and the underlying cause with errors.Is.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval: %v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
