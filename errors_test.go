package pdp11io

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("cache.fetch", ErrCodeTransport, "range not satisfiable")

	assert.Equal(t, "cache.fetch", err.Op)
	assert.Equal(t, ErrCodeTransport, err.Code)
	assert.Equal(t, "pdp11io: range not satisfiable (op=cache.fetch)", err.Error())
}

func TestDriveError(t *testing.T) {
	err := NewDriveError("rk11.seek", "rk11", 3, ErrCodeDriveNotFound, "unit 3 not configured")

	assert.Equal(t, "rk11", err.Device)
	assert.Equal(t, 3, err.Unit)
	assert.Equal(t, "pdp11io: unit 3 not configured (op=rk11.seek)", err.Error())
}

func TestWrapError(t *testing.T) {
	inner := errors.New("connection reset")
	err := WrapError("cache.fetch", inner)

	require.NotNil(t, err)
	assert.Equal(t, ErrCodeTransport, err.Code)
	assert.True(t, errors.Is(err, err.Inner) || errors.Unwrap(err) == inner)
}

func TestWrapErrorPreservesStructuredFields(t *testing.T) {
	original := NewDriveError("tm11.read", "tm11", 1, ErrCodeBadImage, "short record")
	wrapped := WrapError("tm11.readHeader", original)

	assert.Equal(t, "tm11.readHeader", wrapped.Op)
	assert.Equal(t, "tm11", wrapped.Device)
	assert.Equal(t, 1, wrapped.Unit)
	assert.Equal(t, ErrCodeBadImage, wrapped.Code)
}

func TestIsCode(t *testing.T) {
	err := NewError("rp11.select", ErrCodeDriveNotFound, "no such drive")

	assert.True(t, IsCode(err, ErrCodeDriveNotFound))
	assert.False(t, IsCode(err, ErrCodeBadImage))
	assert.False(t, IsCode(nil, ErrCodeDriveNotFound))
}

func TestErrorCodeIsComparable(t *testing.T) {
	err := NewError("rl11.seek", ErrCodeInvalidGeometry, "")
	assert.True(t, errors.Is(err, ErrCodeInvalidGeometry))
}
