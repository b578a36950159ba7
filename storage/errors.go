package storage

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateExecution is returned when a non-terminal execution already
	// exists for the same playbook and alert
	ErrDuplicateExecution = errors.New("active execution already exists for playbook and alert")
)

// isUniqueViolation detects SQLite unique-constraint failures. The driver
// exposes no typed error for this, so the message is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
