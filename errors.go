// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import "errors"

// Sentinel errors for the error kinds named in the core's error handling
// design: not-found, LSN-out-of-scope, wait-timeout, corruption and
// invariant violations. Callers use errors.Is against these.
var (
	ErrNotFound      = errors.New("not found")
	ErrCorrupt       = errors.New("corrupt data")
	ErrLsnOutOfScope = errors.New("lsn out of scope")
	ErrWaitTimeout   = errors.New("wait_lsn timed out")
	ErrRemoteOnly    = errors.New("timeline is remote-only")
	ErrInvariant     = errors.New("invariant violation")
)
