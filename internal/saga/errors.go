package saga

import "errors"

// ErrConflict is returned by Store.Save when the instance's version has
// moved since it was loaded, signaling the caller should reload and retry.
var ErrConflict = errors.New("saga instance version conflict")

// ErrNotFound is returned by Store.Load for an unknown saga id.
var ErrNotFound = errors.New("saga instance not found")
