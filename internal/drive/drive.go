// Package drive abstracts the external resource-sharing provider. The
// provider is pluggable: the reconciliation engine only sees the Service
// interface and the error taxonomy below.
package drive

import (
	"context"
	"errors"
	"fmt"
)

// Level is an ordered access tier in the provider's vocabulary.
type Level string

const (
	LevelReader        Level = "reader"
	LevelCommenter     Level = "commenter"
	LevelWriter        Level = "writer"
	LevelFileOrganizer Level = "fileOrganizer"
	LevelOrganizer     Level = "organizer"
)

var levelRank = map[Level]int{
	LevelReader:        1,
	LevelCommenter:     2,
	LevelWriter:        3,
	LevelFileOrganizer: 4,
	LevelOrganizer:     5,
}

// Valid reports whether the level is one the provider understands.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Covers reports whether l grants at least as much access as other.
func (l Level) Covers(other Level) bool {
	return levelRank[l] >= levelRank[other]
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}

// Grant is one access grant as recorded by the external service.
type Grant struct {
	Principal    string `json:"principal"`
	Level        Level  `json:"level"`
	PermissionID string `json:"permission_id"`
}

// Service is the provider boundary. Implementations must treat resource and
// permission identifiers as opaque.
type Service interface {
	// ListGrants returns one page of grants plus the next page token,
	// empty when the listing is exhausted.
	ListGrants(ctx context.Context, resourceID, pageToken string) ([]Grant, string, error)
	// Grant issues access and returns the provider's permission id.
	Grant(ctx context.Context, resourceID, principal string, level Level) (string, error)
	// Revoke removes a previously issued permission. A missing permission
	// surfaces as ErrGrantNotFound.
	Revoke(ctx context.Context, resourceID, permissionID string) error
}

// ErrGrantNotFound reports a revoke target that no longer exists on the
// provider side. Callers treat it as already converged.
var ErrGrantNotFound = errors.New("drive: grant not found")

// TransientError wraps provider failures worth retrying: timeouts,
// rate-limited responses, 5xx-class conditions.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("drive: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures retrying cannot fix: auth errors, invalid
// resources, permanently exceeded quotas.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("drive: permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent marks err as not retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsTransient reports whether err is retryable. Context deadline errors on
// a single call count as transient; the retry budget decides when to stop.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err means the grant is already absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGrantNotFound)
}
