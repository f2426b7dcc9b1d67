package domain

import "errors"

// ErrHashTaken is returned by URLStore.Insert when the hash is already bound
// to a different URL.
var ErrHashTaken = errors.New("hash already bound to another url")

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")
