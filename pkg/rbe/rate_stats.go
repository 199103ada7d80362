package rbe

// RateStatsConfig configures the sliding-window incoming bitrate measurement.
type RateStatsConfig struct {
	// WindowMs is the duration of the sliding window in milliseconds.
	// Default: 500 ms.
	WindowMs int64
}

// DefaultRateStatsConfig returns the default rate measurement configuration.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{WindowMs: 500}
}

// rateSample is a single byte-count observation at a point in time.
type rateSample struct {
	timeMs int64
	bytes  int64
}

// RateStats measures the incoming bitrate of a transport over a sliding time
// window. Samples older than the window are dropped on every access, so a
// silent transport decays to a zero rate after one window length.
//
// Not safe for concurrent use; the owning estimator serializes access.
type RateStats struct {
	windowMs   int64
	samples    []rateSample
	totalBytes int64
}

// NewRateStats creates a rate tracker with the given configuration.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowMs := config.WindowMs
	if windowMs <= 0 {
		windowMs = 500
	}
	return &RateStats{
		windowMs: windowMs,
		samples:  make([]rateSample, 0, 64),
	}
}

// Update records bytes received at nowMs.
func (r *RateStats) Update(bytes int64, nowMs int64) {
	r.removeExpired(nowMs)
	r.samples = append(r.samples, rateSample{timeMs: nowMs, bytes: bytes})
	r.totalBytes += bytes
}

// Rate returns the bitrate over the window ending at nowMs, in bits per
// second. An empty window yields zero.
func (r *RateStats) Rate(nowMs int64) int64 {
	r.removeExpired(nowMs)
	if len(r.samples) == 0 {
		return 0
	}
	// bytes -> bits, normalized over the full window length.
	return r.totalBytes * 8 * 1000 / r.windowMs
}

// Reset drops all samples.
func (r *RateStats) Reset() {
	r.samples = r.samples[:0]
	r.totalBytes = 0
}

// removeExpired drops samples that have fallen out of the window.
func (r *RateStats) removeExpired(nowMs int64) {
	cutoff := nowMs - r.windowMs
	expired := 0
	for _, s := range r.samples {
		if s.timeMs > cutoff {
			break
		}
		r.totalBytes -= s.bytes
		expired++
	}
	if expired > 0 {
		r.samples = r.samples[expired:]
	}
}
