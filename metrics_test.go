package pdp11io

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Zero(t, snap.TotalOps)
	assert.Zero(t, snap.TotalBytes)
}

func TestMetricsRecordsTransfers(t *testing.T) {
	m := NewMetrics()

	m.RecordTransfer("read", 512, 1_000_000, 0)  // one sector, 1ms, OK
	m.RecordTransfer("write", 256, 2_000_000, 0) // half a sector, 2ms, OK
	m.RecordTransfer("read", 0, 500_000, 2)      // NXM on the second read

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.ReadOps)
	assert.EqualValues(t, 1, snap.WriteOps)
	assert.EqualValues(t, 512, snap.ReadBytes)
	assert.EqualValues(t, 256, snap.WriteBytes)
	assert.EqualValues(t, 1, snap.NXMErrors)
	assert.EqualValues(t, 3, snap.TotalOps)
}

func TestMetricsRecordsFetches(t *testing.T) {
	m := NewMetrics()

	m.RecordFetch(1<<20, 5_000_000, false, nil)
	m.RecordFetch(0, 1_000_000, true, nil)
	m.RecordFetch(0, 3_000_000, false, errors.New("transport"))

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.FetchOps)
	assert.EqualValues(t, 1<<20, snap.FetchBytes)
	assert.EqualValues(t, 1, snap.FetchEOM)
	assert.EqualValues(t, 1, snap.FetchErrors)
}

func TestMetricsInFlightGauge(t *testing.T) {
	m := NewMetrics()

	m.RecordInFlight(1)
	m.RecordInFlight(3)
	m.RecordInFlight(2)

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.MaxInFlight)
	assert.InDelta(t, 2.0, snap.AvgInFlight, 0.001)
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	for _, ns := range []uint64{500, 5_000, 50_000, 500_000, 5_000_000} {
		m.RecordTransfer("read", 512, ns, 0)
	}

	snap := m.Snapshot()
	assert.Greater(t, snap.LatencyP99Ns, uint64(0))
	assert.GreaterOrEqual(t, snap.LatencyP99Ns, snap.LatencyP50Ns)
}

func TestMetricsErrorRate(t *testing.T) {
	m := NewMetrics()

	m.RecordTransfer("read", 512, 1000, 0)
	m.RecordTransfer("read", 0, 1000, 1)
	m.RecordTransfer("read", 0, 1000, 2)

	snap := m.Snapshot()
	assert.InDelta(t, 66.66, snap.ErrorRate, 0.1)
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordTransfer("write", 512, 1000, 0)
	m.Reset()

	snap := m.Snapshot()
	assert.Zero(t, snap.TotalOps)
}

func TestMetricsObserverWiring(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveTransfer("read", 512, 1000, 0)
	obs.ObserveFetch(1<<20, 1000, false, nil)
	obs.ObserveInFlight(1)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.ReadOps)
	assert.EqualValues(t, 1, snap.FetchOps)
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveTransfer("read", 512, 1000, 0)
	obs.ObserveFetch(1<<20, 1000, false, nil)
	obs.ObserveInFlight(1)
}
