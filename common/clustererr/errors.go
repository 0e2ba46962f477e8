/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package clustererr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindDirectory
	KindLaunch
	KindFormationCommand
	KindConnectivityTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindDirectory:
		return "DirectoryError"
	case KindLaunch:
		return "LaunchError"
	case KindFormationCommand:
		return "FormationCommandError"
	case KindConnectivityTimeout:
		return "ConnectivityTimeout"
	}
	return "UnknownError"
}

var (
	// ErrNodeExited is wrapped by a LaunchError when a node process terminates
	// while the bring-up is still waiting on it.
	ErrNodeExited = errors.New("node process exited")
)

// Error is the single error type produced by the bring-up components.  Op
// names the operation that failed, e.g. "mkdir /data/mongod_26000".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match against a bare kind error, for example
// errors.Is(err, &Error{Kind: KindLaunch}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) error {
	return newError(KindConfiguration, op, err)
}

func Directory(op string, err error) error {
	return newError(KindDirectory, op, err)
}

func Launch(op string, err error) error {
	return newError(KindLaunch, op, err)
}

func FormationCommand(op string, err error) error {
	return newError(KindFormationCommand, op, err)
}

func ConnectivityTimeout(op string, err error) error {
	return newError(KindConnectivityTimeout, op, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindUnknown
}
