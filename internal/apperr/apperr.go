// Package apperr holds the error classes shared by the splitlab services.
//
// Validation and NotFound errors propagate to callers as explicit failures.
// Conflict and Persistence errors are usually recovered where they happen
// (assignment, rate limiting) and only logged.
package apperr

import (
	"errors"

	"github.com/zeebo/errs"
	"gorm.io/gorm"
)

var (
	// Validation marks malformed input: bad handles, out-of-range config, unknown enums.
	Validation = errs.Class("validation")

	// NotFound marks a missing experiment, goal or node.
	NotFound = errs.Class("not found")

	// Conflict marks a lost write race on a unique key.
	Conflict = errs.Class("conflict")

	// Persistence marks a storage failure.
	Persistence = errs.Class("persistence")
)

// Storage wraps a gorm error into the matching class. Record-not-found maps
// to NotFound, everything else to Persistence.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound.Wrap(err)
	}
	return Persistence.Wrap(err)
}
