package connmgr

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind distinguishes recoverable connection faults from fatal ones.
type ErrorKind int

const (
	// KindFatal covers any fault a fresh connection cannot fix.
	KindFatal ErrorKind = iota
	// KindClosed means the handle was closed underneath the caller.
	KindClosed
)

func (k ErrorKind) String() string {
	if k == KindClosed {
		return "closed"
	}
	return "fatal"
}

// ConnectionError reports an unusable storage handle.
type ConnectionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a ConnectionError of kind closed, or an
// unclassified error that looks like a closed handle.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind == KindClosed
	}
	return IsClosedHandle(err)
}

// IsClosedHandle classifies raw driver errors.
func IsClosedHandle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection is already closed")
}

// Classify wraps err as a ConnectionError for op.
func Classify(op string, err error) *ConnectionError {
	kind := KindFatal
	if IsClosedHandle(err) {
		kind = KindClosed
	}
	return &ConnectionError{Kind: kind, Op: op, Err: err}
}
