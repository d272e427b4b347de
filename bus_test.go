package pdp11io

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNilBus(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeNotImplemented))
}

func TestNewValidatesDriveControllerNames(t *testing.T) {
	bus := NewMockBus(4096)
	_, err := New(Config{Drives: []DriveSpec{{Controller: "rx11", Unit: 0}}}, bus)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidGeometry))
}

func TestNewAcceptsKnownControllers(t *testing.T) {
	bus := NewMockBus(4096)
	iob, err := New(Config{Drives: []DriveSpec{
		{Controller: "rk11", Unit: 0, URL: "file:///tmp/rk0.dsk"},
		{Controller: "tm11", Unit: 0, URL: "http://example.test/tapes/0.tap"},
	}}, bus)
	require.NoError(t, err)
	require.NotNil(t, iob)
	assert.NotNil(t, iob.Metrics())
}

func TestIoBusDeferRunsOnDrain(t *testing.T) {
	bus := NewMockBus(4096)
	iob, err := New(Config{}, bus)
	require.NoError(t, err)

	ran := false
	iob.Defer(func() { ran = true })
	assert.False(t, ran)
	iob.DrainDeferred()
	assert.True(t, ran)
}

func TestIoBusDeferIsSingleSlot(t *testing.T) {
	bus := NewMockBus(4096)
	iob, err := New(Config{}, bus)
	require.NoError(t, err)

	firstRan := false
	secondRan := false
	iob.Defer(func() { firstRan = true })
	iob.Defer(func() { secondRan = true }) // overwrites the first, still-pending slot

	iob.DrainDeferred()
	assert.False(t, firstRan)
	assert.True(t, secondRan)

	iob.DrainDeferred() // nothing left queued
	assert.True(t, secondRan)
}
