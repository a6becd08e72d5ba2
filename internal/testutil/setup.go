// Package testutil holds fixtures shared by the memory subsystem tests.
package testutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/internal/format"
	"github.com/joshuapare/kernmem/mem"
)

// NewArena reserves an arena of the given number of pages at mem.DefaultBase
// and closes it when the test ends.
//
// Example:
//
//	a := testutil.NewArena(t, 64)
//	pa, err := page.New(a, page.Options{})
func NewArena(t testing.TB, pages int) *mem.Arena {
	t.Helper()
	a, err := mem.NewArena(mem.DefaultBase, pages*format.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// RequireFatal runs fn and fails the test unless it panics with a
// *mem.FatalError wrapping target.
func RequireFatal(t testing.TB, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected fatal %v, got no panic", target)
		fe, ok := r.(*mem.FatalError)
		require.True(t, ok, "panic value %T is not *mem.FatalError: %v", r, r)
		require.True(t, errors.Is(fe, target), "fatal %v does not wrap %v", fe, target)
	}()
	fn()
}
