package inventory

import "errors"

// ErrConflict signals a Product row changed between read and write;
// callers retry UpdateProduct with a fresh read.
var ErrConflict = errors.New("product version conflict")

// ErrInsufficientStock means the requested quantity exceeds what's
// currently available.
var ErrInsufficientStock = errors.New("insufficient available stock")

// ErrReservationNotActive means a confirm/release was attempted against a
// reservation that isn't in the Active state.
var ErrReservationNotActive = errors.New("reservation is not active")
