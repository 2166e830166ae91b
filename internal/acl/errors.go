package acl

import "errors"

// Failure taxonomy. Every mutating operation aborts with one of these and no
// partial state change; read-only lookups stay total over missing keys and
// never return them (index reads excepted).
var (
	ErrEmptyInput        = errors.New("acl: empty input")
	ErrDuplicateKey      = errors.New("acl: duplicate asset key")
	ErrNotFound          = errors.New("acl: not found")
	ErrUnauthorized      = errors.New("acl: unauthorized")
	ErrInvalidPrincipal  = errors.New("acl: invalid principal")
	ErrMissingExpiration = errors.New("acl: temporary grant requires a positive duration")
	ErrLengthMismatch    = errors.New("acl: batch input lengths differ")
	ErrIndexOutOfRange   = errors.New("acl: index out of range")
)
