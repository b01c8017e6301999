package durable

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	ErrCodeInvalidArgument     = "DURABLE_INVALID_ARGUMENT"
	ErrCodeInvalidState        = "DURABLE_INVALID_STATE"
	ErrCodeLockContention      = "DURABLE_LOCK_CONTENTION"
	ErrCodeSerializationFailed = "DURABLE_SERIALIZATION_FAILED"
	ErrCodeIdentityMismatch    = "DURABLE_IDENTITY_MISMATCH"
	ErrCodeInstanceNotFound    = "DURABLE_INSTANCE_NOT_FOUND"
	ErrCodeQuiescenceTimeout   = "DURABLE_QUIESCENCE_TIMEOUT"
)

var (
	ErrInvalidArgument = apperrors.New("invalid argument", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidArgument)
	ErrInvalidState = apperrors.New("invalid state", apperrors.CategoryConflict).
			WithTextCode(ErrCodeInvalidState)
	ErrLockContention = apperrors.New("instance locked by another owner", apperrors.CategoryConflict).
				WithTextCode(ErrCodeLockContention)
	ErrSerializationFailed = apperrors.New("serialization failed", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeSerializationFailed)
	ErrIdentityMismatch = apperrors.New("identity mismatch", apperrors.CategoryConflict).
				WithTextCode(ErrCodeIdentityMismatch)
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrQuiescenceTimeout = apperrors.New("no quiescent state reached before timeout", apperrors.CategoryExternal).
				WithTextCode(ErrCodeQuiescenceTimeout)
)

// ErrUnloading is returned by scope operations when the host decided to
// unload the instance at a checkpoint. It is control flow, not a fault:
// work units and wrappers must propagate it unchanged so execution unwinds.
var ErrUnloading = apperrors.New("instance unloading", apperrors.CategoryHandler)

// IsUnloading reports whether err is the unload control-flow signal.
func IsUnloading(err error) bool {
	return stderrors.Is(err, ErrUnloading)
}

// NewError clones a taxonomy error with a contextual message and optional source.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidState
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the taxonomy text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsLockContention reports whether err is a lock-contention failure.
func IsLockContention(err error) bool {
	return ErrorCode(err) == ErrCodeLockContention
}

// IsSerializationFailed reports whether err is a serialization round-trip failure.
func IsSerializationFailed(err error) bool {
	return ErrorCode(err) == ErrCodeSerializationFailed
}

// IsIdentityMismatch reports whether err is a reload identity mismatch.
func IsIdentityMismatch(err error) bool {
	return ErrorCode(err) == ErrCodeIdentityMismatch
}

// IsQuiescenceTimeout reports whether err is the bounded-wait timeout outcome.
// The underlying execution keeps running after this is returned.
func IsQuiescenceTimeout(err error) bool {
	return ErrorCode(err) == ErrCodeQuiescenceTimeout
}

// ContendingOwner extracts the lock owner id recorded on a lock-contention
// error. Returns uuid.Nil when err carries no owner metadata.
func ContendingOwner(err error) uuid.UUID {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || ge.Metadata == nil {
		return uuid.Nil
	}
	raw, ok := ge.Metadata["owner_id"]
	if !ok {
		return uuid.Nil
	}
	switch v := raw.(type) {
	case uuid.UUID:
		return v
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.Nil
}
