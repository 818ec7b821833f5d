// Package ext holds the optional services behind the extension call range:
// allocator hints, a loopback network stack, a threat-pattern store and a
// filesystem access tracker. None of them carries real intelligence; they
// present call contracts with small, closed error sets.
package ext

import "errors"

// Service errors shared by the allocator, threat store and access tracker.
var (
	ErrInvalid  = errors.New("ext: invalid argument")
	ErrNotFound = errors.New("ext: no such entry")
	ErrExists   = errors.New("ext: entry exists")
	ErrFull     = errors.New("ext: capacity exhausted")
)
