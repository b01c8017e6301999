package durable

import (
	"fmt"
	"strings"
)

// Identity is the reconstitution key for a work unit. It must match exactly
// between persist and reload; a version mismatch is a hard load failure.
type Identity struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
}

// IsZero reports whether the identity carries no name.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.Name) == ""
}

// Equal reports exact identity equality. Package is part of the key.
func (i Identity) Equal(other Identity) bool {
	return i.Name == other.Name && i.Version == other.Version && i.Package == other.Package
}

func (i Identity) String() string {
	if i.Package == "" {
		return fmt.Sprintf("%s@%s", i.Name, i.Version)
	}
	return fmt.Sprintf("%s/%s@%s", i.Package, i.Name, i.Version)
}

// TypeDescriptor records where a payload or configuration value came from.
// Debug-only origin info, never used for dispatch decisions.
type TypeDescriptor struct {
	FullName string `json:"full_name" yaml:"full_name"`
	Package  string `json:"package,omitempty" yaml:"package,omitempty"`
}

// IsZero reports whether the descriptor carries no type name.
func (t TypeDescriptor) IsZero() bool {
	return strings.TrimSpace(t.FullName) == ""
}

// DescribeType builds a descriptor from any value using %T formatting.
func DescribeType(v any) TypeDescriptor {
	if v == nil {
		return TypeDescriptor{}
	}
	full := fmt.Sprintf("%T", v)
	pkg := ""
	if idx := strings.LastIndex(full, "."); idx > 0 {
		pkg = strings.TrimPrefix(full[:idx], "*")
	}
	return TypeDescriptor{FullName: full, Package: pkg}
}
