// Package metrics collects storage telemetry: monotonic operation
// counters, EWMA latency samplers, data-volume gauges and derived values,
// with snapshot, reset and json/csv export. Latency sampling backs off to
// 1-in-8 under load rather than recording every operation.
package metrics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

// ewmaAlpha weighs a new latency sample against the running average.
const ewmaAlpha = 0.2

// sampleHighWater is the queued-sample threshold above which the latency
// pipeline starts sampling 1-in-8 instead of recording every observation.
const sampleHighWater = 4096

// latencySampler keeps an exponentially weighted moving average of
// observed durations in milliseconds.
type latencySampler struct {
	mu      sync.Mutex
	ewmaMS  float64
	count   uint64
	pending int64
	skip    uint64
}

func (ls *latencySampler) observe(d time.Duration) {
	if atomic.LoadInt64(&ls.pending) > sampleHighWater {
		if atomic.AddUint64(&ls.skip, 1)%8 != 0 {
			return
		}
	}
	atomic.AddInt64(&ls.pending, 1)
	ms := float64(d.Microseconds()) / 1000.0
	ls.mu.Lock()
	if ls.count == 0 {
		ls.ewmaMS = ms
	} else {
		ls.ewmaMS = ewmaAlpha*ms + (1-ewmaAlpha)*ls.ewmaMS
	}
	ls.count++
	ls.mu.Unlock()
	atomic.AddInt64(&ls.pending, -1)
}

func (ls *latencySampler) average() float64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.ewmaMS
}

func (ls *latencySampler) reset() {
	ls.mu.Lock()
	ls.ewmaMS = 0
	ls.count = 0
	ls.mu.Unlock()
}

// Collector accumulates storage metrics for one federation instance.
type Collector struct {
	logger *logrus.Logger

	puts       uint64
	gets       uint64
	deletes    uint64
	failures   uint64
	versionOps uint64

	keys           int64
	totalBytes     int64
	encryptedBytes int64
	versionedKeys  int64
	totalVersions  int64

	putLatency *latencySampler
	getLatency *latencySampler
}

// NewCollector returns an empty metrics collector.
func NewCollector(logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Collector{
		logger:     logger,
		putLatency: &latencySampler{},
		getLatency: &latencySampler{},
	}
}

// Counter increments.

func (c *Collector) RecordPut(d time.Duration) { atomic.AddUint64(&c.puts, 1); c.putLatency.observe(d) }
func (c *Collector) RecordGet(d time.Duration) { atomic.AddUint64(&c.gets, 1); c.getLatency.observe(d) }
func (c *Collector) RecordDelete()             { atomic.AddUint64(&c.deletes, 1) }
func (c *Collector) RecordFailure()            { atomic.AddUint64(&c.failures, 1) }
func (c *Collector) RecordVersionOp()          { atomic.AddUint64(&c.versionOps, 1) }

// Gauge adjustments. Deltas may be negative; the stored value clamps at zero
// on snapshot rather than on update so concurrent adjustments stay cheap.

func (c *Collector) AddKeys(delta int64)           { atomic.AddInt64(&c.keys, delta) }
func (c *Collector) AddTotalBytes(delta int64)     { atomic.AddInt64(&c.totalBytes, delta) }
func (c *Collector) AddEncryptedBytes(delta int64) { atomic.AddInt64(&c.encryptedBytes, delta) }
func (c *Collector) AddVersionedKeys(delta int64)  { atomic.AddInt64(&c.versionedKeys, delta) }
func (c *Collector) AddVersions(delta int64)       { atomic.AddInt64(&c.totalVersions, delta) }

// Snapshot is a point-in-time aggregate. Each field is at-least-once
// consistent; no cross-field atomicity is promised.
type Snapshot struct {
	Puts       uint64 `json:"puts"`
	Gets       uint64 `json:"gets"`
	Deletes    uint64 `json:"deletes"`
	Failures   uint64 `json:"failures"`
	VersionOps uint64 `json:"version_ops"`

	Keys           uint64 `json:"keys"`
	TotalBytes     uint64 `json:"total_bytes"`
	EncryptedBytes uint64 `json:"encrypted_bytes"`
	VersionedKeys  uint64 `json:"versioned_keys"`

	PutLatencyMS float64 `json:"put_latency_ms"`
	GetLatencyMS float64 `json:"get_latency_ms"`

	VersionsPerKey              float64 `json:"versions_per_key"`
	VersionStorageOverheadBytes uint64  `json:"version_storage_overhead_bytes"`

	CapturedAt int64 `json:"captured_at"`
}

func clampGauge(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Snapshot captures the current state of every counter, gauge and sampler.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Puts:           atomic.LoadUint64(&c.puts),
		Gets:           atomic.LoadUint64(&c.gets),
		Deletes:        atomic.LoadUint64(&c.deletes),
		Failures:       atomic.LoadUint64(&c.failures),
		VersionOps:     atomic.LoadUint64(&c.versionOps),
		Keys:           clampGauge(atomic.LoadInt64(&c.keys)),
		TotalBytes:     clampGauge(atomic.LoadInt64(&c.totalBytes)),
		EncryptedBytes: clampGauge(atomic.LoadInt64(&c.encryptedBytes)),
		VersionedKeys:  clampGauge(atomic.LoadInt64(&c.versionedKeys)),
		PutLatencyMS:   c.putLatency.average(),
		GetLatencyMS:   c.getLatency.average(),
		CapturedAt:     time.Now().Unix(),
	}
	versions := clampGauge(atomic.LoadInt64(&c.totalVersions))
	if snap.VersionedKeys > 0 {
		snap.VersionsPerKey = float64(versions) / float64(snap.VersionedKeys)
	}
	if versions > snap.VersionedKeys {
		// every version beyond the first per key is retention overhead
		extra := versions - snap.VersionedKeys
		if snap.TotalBytes > 0 && versions > 0 {
			snap.VersionStorageOverheadBytes = snap.TotalBytes / versions * extra
		}
	}
	return snap
}

// Reset zeroes every counter and sampler atomically with respect to each
// field (not across fields, per the snapshot ordering contract).
func (c *Collector) Reset() {
	atomic.StoreUint64(&c.puts, 0)
	atomic.StoreUint64(&c.gets, 0)
	atomic.StoreUint64(&c.deletes, 0)
	atomic.StoreUint64(&c.failures, 0)
	atomic.StoreUint64(&c.versionOps, 0)
	atomic.StoreInt64(&c.keys, 0)
	atomic.StoreInt64(&c.totalBytes, 0)
	atomic.StoreInt64(&c.encryptedBytes, 0)
	atomic.StoreInt64(&c.versionedKeys, 0)
	atomic.StoreInt64(&c.totalVersions, 0)
	c.putLatency.reset()
	c.getLatency.reset()
	c.logger.Debug("metrics: reset")
}

// Export serialises a snapshot as "json" or "csv".
func (c *Collector) Export(format string) ([]byte, error) {
	snap := c.Snapshot()
	switch format {
	case "json":
		raw, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "encode metrics snapshot", err)
		}
		return raw, nil
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		header := []string{
			"puts", "gets", "deletes", "failures", "version_ops",
			"keys", "total_bytes", "encrypted_bytes", "versioned_keys",
			"put_latency_ms", "get_latency_ms",
			"versions_per_key", "version_storage_overhead_bytes", "captured_at",
		}
		row := []string{
			strconv.FormatUint(snap.Puts, 10),
			strconv.FormatUint(snap.Gets, 10),
			strconv.FormatUint(snap.Deletes, 10),
			strconv.FormatUint(snap.Failures, 10),
			strconv.FormatUint(snap.VersionOps, 10),
			strconv.FormatUint(snap.Keys, 10),
			strconv.FormatUint(snap.TotalBytes, 10),
			strconv.FormatUint(snap.EncryptedBytes, 10),
			strconv.FormatUint(snap.VersionedKeys, 10),
			strconv.FormatFloat(snap.PutLatencyMS, 'f', 3, 64),
			strconv.FormatFloat(snap.GetLatencyMS, 'f', 3, 64),
			strconv.FormatFloat(snap.VersionsPerKey, 'f', 3, 64),
			strconv.FormatUint(snap.VersionStorageOverheadBytes, 10),
			strconv.FormatInt(snap.CapturedAt, 10),
		}
		if err := w.Write(header); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "write csv header", err)
		}
		if err := w.Write(row); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "write csv row", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "flush csv", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unknown export format %q", format))
	}
}
