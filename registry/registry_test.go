package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

var invoiceIdentity = durable.Identity{Name: "InvoiceSync", Version: "1.0", Package: "billing"}

func invoiceFactory() durable.WorkUnit {
	return durable.WorkUnitFunc{
		ID: invoiceIdentity,
		Fn: func(ctx context.Context, scope durable.Scope) error { return nil },
	}
}

func TestRegisterAndResolve(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(invoiceFactory))

	unit, err := reg.Resolve(invoiceIdentity)
	require.NoError(t, err)
	assert.Equal(t, invoiceIdentity, unit.Identity())
}

type statefulUnit struct {
	calls int
}

func (u *statefulUnit) Identity() durable.Identity { return invoiceIdentity }

func (u *statefulUnit) Execute(ctx context.Context, scope durable.Scope) error {
	u.calls++
	return nil
}

func TestResolveReturnsFreshInstances(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(func() durable.WorkUnit { return &statefulUnit{} }))

	first, err := reg.Resolve(invoiceIdentity)
	require.NoError(t, err)
	second, err := reg.Resolve(invoiceIdentity)
	require.NoError(t, err)
	assert.NotSame(t, first.(*statefulUnit), second.(*statefulUnit))
}

func TestRegisterValidation(t *testing.T) {
	reg := New()

	err := reg.Register(nil)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidArgument, durable.ErrorCode(err))

	err = reg.Register(func() durable.WorkUnit { return nil })
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidArgument, durable.ErrorCode(err))

	err = reg.Register(func() durable.WorkUnit {
		return durable.WorkUnitFunc{Fn: func(ctx context.Context, scope durable.Scope) error { return nil }}
	})
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidArgument, durable.ErrorCode(err))
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(invoiceFactory))

	err := reg.Register(invoiceFactory)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidState, durable.ErrorCode(err))
}

func TestResolveUnknownIdentity(t *testing.T) {
	reg := New()

	_, err := reg.Resolve(durable.Identity{Name: "Nope", Version: "1.0", Package: "missing"})
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInstanceNotFound, durable.ErrorCode(err))
}

func TestResolveVersionMismatch(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(invoiceFactory))

	stale := invoiceIdentity
	stale.Version = "0.9"
	_, err := reg.Resolve(stale)
	require.Error(t, err)
	assert.True(t, durable.IsIdentityMismatch(err))
}

func TestResolveSkipsVersionCheckWhenUnversioned(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(invoiceFactory))

	loose := invoiceIdentity
	loose.Version = ""
	unit, err := reg.Resolve(loose)
	require.NoError(t, err)
	assert.Equal(t, "1.0", unit.Identity().Version)
}

func TestDefaultRegistryIsolation(t *testing.T) {
	WithTestRegistry(func(reg *Registry) {
		require.NoError(t, reg.Register(invoiceFactory))

		unit, err := Resolve(invoiceIdentity)
		require.NoError(t, err)
		assert.Equal(t, invoiceIdentity, unit.Identity())

		assert.Same(t, reg, Default())
	})

	_, err := Resolve(invoiceIdentity)
	require.Error(t, err, "registration does not leak out of the test registry")
}
