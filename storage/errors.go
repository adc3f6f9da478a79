package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a unique constraint — e.g.
	// (repo, issue_number) — would be violated by a create.
	ErrAlreadyExists = errors.New("entity already exists")
)

// isNotFound checks if a pgx error indicates a row was not found.
func isNotFound(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}
