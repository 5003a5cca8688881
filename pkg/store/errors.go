package store

import "errors"

// ErrNotFound is returned when a KeyRecord, Profile, or other entity does
// not exist in the store.
var ErrNotFound = errors.New("store: not found")
