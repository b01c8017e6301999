package durable

import (
	"errors"
)

// FaultKind is a closed classification tag attached to a fault where it is
// raised. Retry configuration matches against these tags, never against
// concrete error types, so only faults explicitly tagged as a configured
// kind are eligible for retry.
type FaultKind string

const (
	// FaultKindTimeout marks faults caused by an operation deadline.
	FaultKindTimeout FaultKind = "timeout"
	// FaultKindNetwork marks transport-level faults.
	FaultKindNetwork FaultKind = "network"
	// FaultKindUnclassified is reported for errors carrying no tag.
	FaultKindUnclassified FaultKind = "unclassified"
)

type taggedFault struct {
	kind FaultKind
	err  error
}

func (f *taggedFault) Error() string {
	return string(f.kind) + ": " + f.err.Error()
}

func (f *taggedFault) Unwrap() error {
	return f.err
}

// WithFaultKind tags err with a fault kind. Tag faults at the point they are
// raised; re-tagging replaces the previous kind for the wrapped error.
func WithFaultKind(err error, kind FaultKind) error {
	if err == nil {
		return nil
	}
	return &taggedFault{kind: kind, err: err}
}

// FaultKindOf returns the tag attached to err, unwrapping as needed.
// Untagged errors report FaultKindUnclassified.
func FaultKindOf(err error) FaultKind {
	var tagged *taggedFault
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	return FaultKindUnclassified
}

// IsFaultKind reports whether err carries exactly the given tag.
func IsFaultKind(err error, kind FaultKind) bool {
	return err != nil && FaultKindOf(err) == kind
}
