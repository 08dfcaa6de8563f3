package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateID indicates an insert collided with an existing identifier.
	ErrDuplicateID = errors.New("repository: duplicate id")
	// ErrInvalidArgument indicates malformed input such as a bad page or limit.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates the write would break a uniqueness rule, such as a
	// second active build for one site.
	ErrConflict = errors.New("repository: conflict")
)
