package rbe

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mediapulse/rbe/pkg/rbe/internal"
)

const (
	// processIntervalMs is the nominal period between estimation cycles.
	processIntervalMs = 1000

	// streamTimeoutMs is how long a stream may stay silent before its
	// detector is evicted on the next estimation cycle.
	streamTimeoutMs = 2000
)

// RecurringProcessor is the contract between an estimator and an external
// cooperative scheduler: the scheduler asks how long until the next mandatory
// invocation and calls Process when that time is up (or earlier).
type RecurringProcessor interface {
	// TimeUntilNextProcess returns the time until Process must next be
	// called. Zero or negative means "invoke now".
	TimeUntilNextProcess() time.Duration

	// Process runs any pending work, such as a periodic estimation cycle.
	Process()
}

// EstimatorConfig configures a SingleStreamEstimator and its collaborators.
type EstimatorConfig struct {
	// DetectorOptions seeds every per-stream detector.
	DetectorOptions DetectorOptions

	// RateStatsConfig configures the incoming-bitrate measurement.
	RateStatsConfig RateStatsConfig

	// RateControlConfig configures the default AIMD rate controller. Ignored
	// when a controller is injected with WithRateController.
	RateControlConfig RemoteRateControlConfig
}

// DefaultEstimatorConfig returns the default configuration.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		DetectorOptions:   DefaultDetectorOptions(),
		RateStatsConfig:   DefaultRateStatsConfig(),
		RateControlConfig: DefaultRemoteRateControlConfig(),
	}
}

// EstimatorOption customizes a SingleStreamEstimator.
type EstimatorOption func(*SingleStreamEstimator)

// WithClock injects a clock, typically a MockClock in tests.
func WithClock(clock internal.Clock) EstimatorOption {
	return func(e *SingleStreamEstimator) {
		e.clock = clock
	}
}

// WithLogger injects a logger for per-cycle trace output.
func WithLogger(log logging.LeveledLogger) EstimatorOption {
	return func(e *SingleStreamEstimator) {
		e.log = log
	}
}

// WithRateController replaces the default AIMD controller.
func WithRateController(rc RateController) EstimatorOption {
	return func(e *SingleStreamEstimator) {
		e.remoteRate = rc
	}
}

// SingleStreamEstimator estimates the available downstream bandwidth for all
// inbound media streams sharing a transport. It owns one OveruseDetector per
// active SSRC, aggregates their delay-trend signals into a single verdict,
// drives the rate controller, and reports valid estimates to the observer.
//
// Every operation runs under one coarse per-instance mutex: detector
// creation and eviction, snapshot invalidation and the aggregate computation
// are atomic with respect to each other, and an out-of-cycle re-estimation
// triggered by a packet can never interleave with a periodic cycle. All
// operations are short and bounded, O(active streams) at worst.
//
// The observer is invoked while the lock is held; it must not call back into
// the estimator.
type SingleStreamEstimator struct {
	mu sync.Mutex

	config   EstimatorConfig
	clock    internal.Clock
	log      logging.LeveledLogger
	observer BitrateObserver

	detectors       map[uint32]*OveruseDetector
	ssrcs           []uint32 // cached key snapshot, nil when invalidated
	incomingBitrate *RateStats
	remoteRate      RateController

	lastProcessTimeMs int64
}

// NewSingleStreamEstimator creates an estimator reporting to observer.
// observer may be nil. Invalid detector options in the configuration are
// rejected here, before any packet can reach them.
func NewSingleStreamEstimator(config EstimatorConfig, observer BitrateObserver, opts ...EstimatorOption) (*SingleStreamEstimator, error) {
	if err := config.DetectorOptions.validate(); err != nil {
		return nil, err
	}

	e := &SingleStreamEstimator{
		config:            config,
		observer:          observer,
		detectors:         make(map[uint32]*OveruseDetector),
		incomingBitrate:   NewRateStats(config.RateStatsConfig),
		lastProcessTimeMs: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = internal.MonotonicClock{}
	}
	if e.log == nil {
		e.log = logging.NewDefaultLoggerFactory().NewLogger("rbe")
	}
	if e.remoteRate == nil {
		e.remoteRate = NewRemoteRateControl(config.RateControlConfig)
	}
	return e, nil
}

// IncomingPacket ingests one received packet: arrival time, payload size,
// source SSRC and the raw RTP timestamp. A first packet from an unknown SSRC
// registers a new stream. If the packet flips its stream's classification to
// Overusing, or the controller reports a further reduction is due while
// overusing, a re-estimation runs immediately instead of waiting for the
// next periodic cycle.
func (e *SingleStreamEstimator) IncomingPacket(arrivalTime time.Time, payloadSize int, ssrc uint32, rtpTimestamp uint32) {
	nowMs := e.clock.Now().UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	detector := e.detectors[ssrc]
	if detector == nil {
		// First packet from a new SSRC.
		detector, _ = NewOveruseDetector(e.config.DetectorOptions) // options validated at construction
		e.detectors[ssrc] = detector
		e.ssrcs = nil
	}
	detector.lastPacketTimeMs = nowMs
	e.incomingBitrate.Update(int64(payloadSize), nowMs)

	priorState := detector.State()
	detector.Update(payloadSize, -1, rtpTimestamp, arrivalTime.UnixMilli())

	if detector.State() == BwOverusing {
		incoming := e.incomingBitrate.Rate(nowMs)
		if priorState != BwOverusing || e.remoteRate.IsTimeToReduceFurther(nowMs, incoming) {
			// The first overuse triggers a new estimate immediately, as does
			// a target bitrate that is too high compared to what is actually
			// arriving. The triggered cycle takes the place of the next
			// periodic one.
			e.updateEstimate(nowMs)
			e.lastProcessTimeMs = nowMs
		}
	}
}

// RemoveStream removes the given SSRC's detector. Unknown SSRCs are a no-op.
func (e *SingleStreamEstimator) RemoveStream(ssrc uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.detectors[ssrc]; ok {
		delete(e.detectors, ssrc)
		e.ssrcs = nil
	}
}

// OnRttUpdate forwards a round-trip-time sample to the rate controller.
func (e *SingleStreamEstimator) OnRttUpdate(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteRate.SetRtt(rtt.Milliseconds())
}

// LatestEstimate returns the most recent bandwidth estimate in bits per
// second. ok is false while no valid estimate exists yet. A valid estimate
// with zero active streams yields (0, true).
func (e *SingleStreamEstimator) LatestEstimate() (bitrateBps int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteRate.IsValidEstimate() {
		return 0, false
	}
	if len(e.detectors) == 0 {
		return 0, true
	}
	return e.remoteRate.LatestEstimate(), true
}

// SSRCs returns a snapshot of the active source identifiers. The snapshot is
// rebuilt lazily after registry mutations and shared between callers; it
// must not be modified.
func (e *SingleStreamEstimator) SSRCs() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ssrcsLocked()
}

func (e *SingleStreamEstimator) ssrcsLocked() []uint32 {
	if e.ssrcs == nil {
		e.ssrcs = make([]uint32, 0, len(e.detectors))
		for ssrc := range e.detectors {
			e.ssrcs = append(e.ssrcs, ssrc)
		}
	}
	return e.ssrcs
}

// TimeUntilNextProcess implements RecurringProcessor.
func (e *SingleStreamEstimator) TimeUntilNextProcess() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeUntilNextProcessLocked()
}

func (e *SingleStreamEstimator) timeUntilNextProcessLocked() time.Duration {
	if e.lastProcessTimeMs < 0 {
		return 0
	}
	remaining := e.lastProcessTimeMs + processIntervalMs - e.clock.Now().UnixMilli()
	return time.Duration(remaining) * time.Millisecond
}

// Process implements RecurringProcessor: it runs a periodic estimation cycle
// if one is due.
func (e *SingleStreamEstimator) Process() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeUntilNextProcessLocked() > 0 {
		return
	}
	nowMs := e.clock.Now().UnixMilli()
	e.updateEstimate(nowMs)
	e.lastProcessTimeMs = nowMs
}

// updateEstimate runs one estimation cycle: evict stale detectors, aggregate
// the survivors, drive the rate controller, notify the observer and feed the
// capacity region back into every detector. Callers hold e.mu.
func (e *SingleStreamEstimator) updateEstimate(nowMs int64) {
	bwState := BwNormal
	sumNoiseVar := 0.0

	for ssrc, detector := range e.detectors {
		if detector.lastPacketTimeMs >= 0 && nowMs-detector.lastPacketTimeMs > streamTimeoutMs {
			// No packets for streamTimeoutMs, the stream is stale.
			delete(e.detectors, ssrc)
			e.ssrcs = nil
			continue
		}
		sumNoiseVar += detector.NoiseVar()
		// Any single overusing stream makes the whole transport overusing.
		if state := detector.State(); state > bwState {
			bwState = state
		}
	}

	// No active streams, no verdict this cycle.
	if len(e.detectors) == 0 {
		e.remoteRate.Reset()
		return
	}

	input := RateControlInput{
		BwState:         bwState,
		IncomingBitrate: e.incomingBitrate.Rate(nowMs),
		NoiseVar:        sumNoiseVar / float64(len(e.detectors)),
	}
	region := e.remoteRate.Update(input, nowMs)
	targetBitrate := e.remoteRate.UpdateBandwidthEstimate(nowMs)

	e.log.Tracef("estimate: streams=%d state=%s incoming=%d noise=%.3f region=%s target=%d",
		len(e.detectors), input.BwState, input.IncomingBitrate, input.NoiseVar, region, targetBitrate)

	if e.remoteRate.IsValidEstimate() && e.observer != nil {
		e.observer(e.ssrcsLocked(), targetBitrate)
	}
	for _, detector := range e.detectors {
		detector.SetRateControlRegion(region)
	}
}
