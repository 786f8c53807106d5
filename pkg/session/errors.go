// Copyright 2024-2026 Aiku AI

package session

import (
	"errors"
	"fmt"

	"go.mau.fi/util/exerrors"
)

// Error classes. Each is matched with errors.Is against errors returned by
// this package.
var (
	ErrIO          = errors.New("i/o failure")
	ErrPersistence = errors.New("credential bundle unavailable")
	ErrIdentity    = errors.New("invalid matrix identifier")
	ErrCredential  = errors.New("no secret obtained")
	ErrAuth        = errors.New("login rejected")
	ErrClientBuild = errors.New("failed to build client")
	ErrSync        = errors.New("sync failed")
	ErrInterrupted = errors.New("interrupted")
)

// classify tags a cause with an error class. Both the class and the cause
// match with errors.Is.
func classify(class error, format string, args ...any) error {
	return exerrors.NewDualError(class, fmt.Errorf(format, args...))
}
