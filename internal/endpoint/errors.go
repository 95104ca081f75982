package endpoint

import "errors"

// ErrNotFound indicates that no endpoint exists with the given identifier.
var ErrNotFound = errors.New("endpoint not found")

// ErrAlreadyExists indicates that an endpoint could not be created because
// the identifier is already taken.
var ErrAlreadyExists = errors.New("endpoint already exists")

// ErrDuplicatePrimary indicates an attempt to create a second non-stopped
// primary endpoint for the same tenant and timeline.
var ErrDuplicatePrimary = errors.New("duplicate primary endpoint for tenant and timeline")

// ErrAlreadyRunning indicates that start was called on a running endpoint.
var ErrAlreadyRunning = errors.New("endpoint is already running")

// ErrStartTimeout indicates that the compute did not report running before
// the caller-supplied start timeout elapsed.
var ErrStartTimeout = errors.New("compute startup timed out")
