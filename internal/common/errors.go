// Package common holds storage-level sentinels shared by repositories and
// the packages that consume them.
package common

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("unique constraint violated")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")
)

// IDSource yields unique row IDs.
type IDSource interface {
	Next() int64
}
