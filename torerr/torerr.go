// Package torerr defines the flat error-kind taxonomy shared by every
// manager (ChanMgr, CircMgr, DirMgr, HS pool) at its public boundary.
package torerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to switch on it (SOCKS
// reply-code mapping, CLI exit codes, CircMgr retry/fatal decisions)
// without parsing error strings.
type Kind int

const (
	Internal Kind = iota
	TorConnectionFailed
	BootstrapRequired
	DirectoryExpired
	CacheCorrupted
	CacheAccessFailed
	PersistentStateAccessFailed
	PersistentStateCorrupted
	PersistentStateReadOnly
	TorProtocolViolation
	LocalProtocolViolation
	CircuitCollapse
	TorNetworkTimeout
	RemoteNetworkTimeout
	TorNetworkError
	RemoteStreamClosed
	RemoteStreamError
	RemoteNameError
	InvalidStreamTarget
	ForbiddenStreamTarget
	NoPath
	NoExit
	NamespaceFull
	AlreadyClosed
	Canceled
	TransientFailure
	ReactorShuttingDown
	BadApiUsage
)

var kindNames = map[Kind]string{
	Internal:                     "Internal",
	TorConnectionFailed:          "TorConnectionFailed",
	BootstrapRequired:            "BootstrapRequired",
	DirectoryExpired:             "DirectoryExpired",
	CacheCorrupted:               "CacheCorrupted",
	CacheAccessFailed:            "CacheAccessFailed",
	PersistentStateAccessFailed:  "PersistentStateAccessFailed",
	PersistentStateCorrupted:     "PersistentStateCorrupted",
	PersistentStateReadOnly:      "PersistentStateReadOnly",
	TorProtocolViolation:         "TorProtocolViolation",
	LocalProtocolViolation:       "LocalProtocolViolation",
	CircuitCollapse:              "CircuitCollapse",
	TorNetworkTimeout:            "TorNetworkTimeout",
	RemoteNetworkTimeout:         "RemoteNetworkTimeout",
	TorNetworkError:              "TorNetworkError",
	RemoteStreamClosed:           "RemoteStreamClosed",
	RemoteStreamError:            "RemoteStreamError",
	RemoteNameError:              "RemoteNameError",
	InvalidStreamTarget:          "InvalidStreamTarget",
	ForbiddenStreamTarget:        "ForbiddenStreamTarget",
	NoPath:                       "NoPath",
	NoExit:                       "NoExit",
	NamespaceFull:                "NamespaceFull",
	AlreadyClosed:                "AlreadyClosed",
	Canceled:                     "Canceled",
	TransientFailure:             "TransientFailure",
	ReactorShuttingDown:          "ReactorShuttingDown",
	BadApiUsage:                  "BadApiUsage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error wraps an underlying error with a Kind, the way a reactor or manager
// classifies a lower-level failure (cell parse, crypto verify, dial
// timeout) before handing it to a caller.
type Error struct {
	kind Kind
	err  error
}

// Wrap classifies err as kind. Wrap(kind, nil) returns nil, so it is safe
// to call unconditionally on a function's own error return.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// New builds a Kind-classified error from a message, with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, err: errors.New(msg)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the classification of err, or Internal if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// Is reports whether KindOf(err) is kind, so an error that is not (and
// does not wrap) a *Error counts as Internal.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
