package pdp11io

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing, wide enough to
// span both a cache hit and a remote block-fetch miss.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks transfer-engine and fetcher activity across every
// controller sharing this IoBus. Unlike a controller's own register
// file, these counters are purely observational: nothing in a register's
// bit semantics depends on them.
type Metrics struct {
	// Transfer Engine operation counters, by transfer op code: write,
	// read, write-check, record-length accumulate, single byte read.
	WriteOps  atomic.Uint64
	ReadOps   atomic.Uint64
	CheckOps  atomic.Uint64
	OtherOps  atomic.Uint64

	// Byte counters for the transfer engine (excludes single-word tape
	// record-length accumulation, which moves no caller-visible payload).
	WriteBytes atomic.Uint64
	ReadBytes  atomic.Uint64

	// Error counters, keyed to the Transfer Engine's own taxonomy of
	// error codes returned to PostProcess.
	ReadErrors    atomic.Uint64 // err == 1, read/timing error
	NXMErrors     atomic.Uint64 // err == 2
	CompareErrors atomic.Uint64 // err == 3

	// Block Cache & Fetcher counters.
	FetchOps      atomic.Uint64
	FetchBytes    atomic.Uint64
	FetchErrors   atomic.Uint64
	FetchEOM      atomic.Uint64 // 416 Range Not Satisfiable, i.e. end of image

	// In-flight transfer gauge: the number of Transfer Engine Run calls
	// in progress, sampled as each one starts and finishes.
	InFlightTotal atomic.Uint64
	InFlightCount atomic.Uint64
	MaxInFlight   atomic.Uint32

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	statsMu   sync.Mutex
	statFuncs map[string]func() map[string]any
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransfer records the completion of one diskIO operation.
func (m *Metrics) RecordTransfer(op string, bytes uint64, latencyNs uint64, errCode int) {
	switch op {
	case "write":
		m.WriteOps.Add(1)
		m.WriteBytes.Add(bytes)
	case "read":
		m.ReadOps.Add(1)
		m.ReadBytes.Add(bytes)
	case "check":
		m.CheckOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}

	switch errCode {
	case 1:
		m.ReadErrors.Add(1)
	case 2:
		m.NXMErrors.Add(1)
	case 3:
		m.CompareErrors.Add(1)
	}

	m.recordLatency(latencyNs)
}

// RecordFetch records the completion of one block-cache fetch.
func (m *Metrics) RecordFetch(bytes uint64, latencyNs uint64, endOfMedia bool, err error) {
	m.FetchOps.Add(1)
	switch {
	case err != nil:
		m.FetchErrors.Add(1)
	case endOfMedia:
		m.FetchEOM.Add(1)
	default:
		m.FetchBytes.Add(bytes)
	}
	m.recordLatency(latencyNs)
}

// RegisterStats installs fn as the Stats() provider for the named
// controller (e.g. "rk11"). ControllerStats calls fn fresh on every
// read, so the aggregator never goes stale the way a copied snapshot
// would.
func (m *Metrics) RegisterStats(device string, fn func() map[string]any) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.statFuncs == nil {
		m.statFuncs = make(map[string]func() map[string]any)
	}
	m.statFuncs[device] = fn
}

// ControllerStats returns every registered controller's current Stats(),
// keyed by device name. This is the aggregator §4.3 describes: each
// controller's own seek/transfer/error counters, gathered in one place
// alongside the transfer-engine-wide counters above.
func (m *Metrics) ControllerStats() map[string]map[string]any {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := make(map[string]map[string]any, len(m.statFuncs))
	for device, fn := range m.statFuncs {
		out[device] = fn()
	}
	return out
}

// RecordInFlight records the current count of transfers in progress
// (Transfer Engine Run calls not yet returned) across the bus.
func (m *Metrics) RecordInFlight(n uint32) {
	m.InFlightTotal.Add(uint64(n))
	m.InFlightCount.Add(1)
	for {
		current := m.MaxInFlight.Load()
		if n <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the bus as stopped (closes the uptime window used to derive
// rates in Snapshot).
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic view of Metrics.
type MetricsSnapshot struct {
	WriteOps, ReadOps, CheckOps, OtherOps   uint64
	WriteBytes, ReadBytes                   uint64
	ReadErrors, NXMErrors, CompareErrors    uint64
	FetchOps, FetchBytes, FetchErrors       uint64
	FetchEOM                                uint64
	AvgInFlight                             float64
	MaxInFlight                             uint32
	AvgLatencyNs                            uint64
	UptimeNs                                uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram                        [numLatencyBuckets]uint64
	TotalOps, TotalBytes                     uint64
	ErrorRate                                float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		WriteOps:      m.WriteOps.Load(),
		ReadOps:       m.ReadOps.Load(),
		CheckOps:      m.CheckOps.Load(),
		OtherOps:      m.OtherOps.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		NXMErrors:     m.NXMErrors.Load(),
		CompareErrors: m.CompareErrors.Load(),
		FetchOps:      m.FetchOps.Load(),
		FetchBytes:    m.FetchBytes.Load(),
		FetchErrors:   m.FetchErrors.Load(),
		FetchEOM:      m.FetchEOM.Load(),
		MaxInFlight:   m.MaxInFlight.Load(),
	}

	snap.TotalOps = snap.WriteOps + snap.ReadOps + snap.CheckOps + snap.OtherOps
	snap.TotalBytes = snap.WriteBytes + snap.ReadBytes

	if count := m.InFlightCount.Load(); count > 0 {
		snap.AvgInFlight = float64(m.InFlightTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	totalErrors := snap.ReadErrors + snap.NXMErrors + snap.CompareErrors + snap.FetchErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Used by tests that exercise the same
// Metrics instance across multiple scenarios.
func (m *Metrics) Reset() {
	m.WriteOps.Store(0)
	m.ReadOps.Store(0)
	m.CheckOps.Store(0)
	m.OtherOps.Store(0)
	m.WriteBytes.Store(0)
	m.ReadBytes.Store(0)
	m.ReadErrors.Store(0)
	m.NXMErrors.Store(0)
	m.CompareErrors.Store(0)
	m.FetchOps.Store(0)
	m.FetchBytes.Store(0)
	m.FetchErrors.Store(0)
	m.FetchEOM.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightCount.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, keyed to transfer-engine
// and fetcher events.
type Observer interface {
	ObserveTransfer(op string, bytes uint64, latencyNs uint64, errCode int)
	ObserveFetch(bytes uint64, latencyNs uint64, endOfMedia bool, err error)
	ObserveInFlight(n uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransfer(string, uint64, uint64, int)  {}
func (NoOpObserver) ObserveFetch(uint64, uint64, bool, error)     {}
func (NoOpObserver) ObserveInFlight(uint32)                       {}

// MetricsObserver implements Observer using the built-in Metrics type.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransfer(op string, bytes uint64, latencyNs uint64, errCode int) {
	o.metrics.RecordTransfer(op, bytes, latencyNs, errCode)
}

func (o *MetricsObserver) ObserveFetch(bytes uint64, latencyNs uint64, endOfMedia bool, err error) {
	o.metrics.RecordFetch(bytes, latencyNs, endOfMedia, err)
}

func (o *MetricsObserver) ObserveInFlight(n uint32) {
	o.metrics.RecordInFlight(n)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
