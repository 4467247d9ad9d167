/*
errors.go - Centralized error types for the invoicing core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters and handlers wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Referenced user/client/line/job does not exist
  2. Identity errors - Manager alias already claimed by another user
  3. Ingestion errors - Spreadsheet missing mandatory columns

NOT ERRORS:
  - A manager name that matches no user. That is an expected outcome
    (names.MatchNone), not a failure.
  - Malformed report filters. Those fall back to defaults.

SEE ALSO:
  - names/aliases.go: Produces AliasConflictError
  - importer/xlsx.go: Produces MissingColumnsError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrClientNotFound  = errors.New("client not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrLineNotFound    = errors.New("invoice line not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrLinkNotFound    = errors.New("service link not found")

	// ErrAliasConflict is returned when an alias is already owned by another user.
	// Aliases are never reassigned silently.
	ErrAliasConflict = errors.New("manager alias already claimed by another user")

	// ErrEmailTaken is returned when a user is saved with another user's email.
	ErrEmailTaken = errors.New("email already in use")

	// ErrInvalidPeriod is returned when a period list is empty or malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrMissingColumns is returned when a spreadsheet lacks mandatory headers.
	ErrMissingColumns = errors.New("spreadsheet missing mandatory columns")

	// ErrNegativeTotal is returned when an ingested line has total < 0.
	ErrNegativeTotal = errors.New("invoice line total must not be negative")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AliasConflict names one alias and the user that already owns it.
type AliasConflict struct {
	Alias   string
	OwnerID int64
}

// AliasConflictError lists every alias of an update that belongs to someone else.
// The caller decides whether to block the whole update.
type AliasConflictError struct {
	UserID    int64
	Conflicts []AliasConflict
}

func (e *AliasConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%q (user %d)", c.Alias, c.OwnerID)
	}
	return fmt.Sprintf("aliases for user %d already claimed: %s", e.UserID, strings.Join(parts, ", "))
}

func (e *AliasConflictError) Unwrap() error {
	return ErrAliasConflict
}

// Aliases returns just the conflicting alias strings.
func (e *AliasConflictError) Aliases() []string {
	out := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		out[i] = c.Alias
	}
	return out
}

// MissingColumnsError lists the mandatory headers a spreadsheet did not provide.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Columns, ", ")
}

func (e *MissingColumnsError) Unwrap() error {
	return ErrMissingColumns
}

// RowError wraps a per-row ingestion failure with its spreadsheet row number.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAliasConflict) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrMissingColumns) ||
		errors.Is(err, ErrNegativeTotal)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrLinkNotFound)
}
