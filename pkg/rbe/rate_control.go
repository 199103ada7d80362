package rbe

import "math"

// RateController is the boundary to the adaptive rate controller consuming
// the aggregate congestion signal. All times are local wall-clock
// milliseconds; all rates are bits per second.
type RateController interface {
	// Reset restores the controller to its initial state. Called when the
	// estimator loses its last active stream.
	Reset()

	// IsTimeToReduceFurther reports whether a further reduction is warranted
	// while already overusing, given the current incoming bitrate.
	IsTimeToReduceFurther(nowMs int64, incomingBitrateBps int64) bool

	// SetRtt feeds a round-trip-time sample used to tune reaction timing.
	SetRtt(rttMs int64)

	// Update latches the aggregate input for the next bandwidth estimate
	// update and returns the current capacity region.
	Update(input RateControlInput, nowMs int64) RateControlRegion

	// UpdateBandwidthEstimate recomputes and returns the target bitrate from
	// the most recently latched input.
	UpdateBandwidthEstimate(nowMs int64) int64

	// IsValidEstimate reports whether the controller has produced a usable
	// estimate yet.
	IsValidEstimate() bool

	// LatestEstimate returns the current target bitrate.
	LatestEstimate() int64
}

// RateControlState is the AIMD state machine state.
type RateControlState int

const (
	// RateHold maintains the current rate; it buffers transitions between
	// Decrease and Increase.
	RateHold RateControlState = iota
	// RateIncrease grows the rate multiplicatively.
	RateIncrease
	// RateDecrease applies a multiplicative decrease on congestion.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RemoteRateControlConfig configures the default AIMD controller.
type RemoteRateControlConfig struct {
	// MinBitrate is the floor of the estimate in bits per second.
	// Default: 10,000 (10 kbps).
	MinBitrate int64

	// MaxBitrate is the ceiling of the estimate in bits per second.
	// Default: 30,000,000 (30 Mbps).
	MaxBitrate int64

	// InitialBitrate is the starting estimate in bits per second.
	// Default: 300,000 (300 kbps).
	InitialBitrate int64

	// Beta is the multiplicative decrease factor applied on congestion:
	// new_rate = Beta * incoming_rate. Default: 0.85.
	Beta float64
}

// DefaultRemoteRateControlConfig returns the default controller configuration.
func DefaultRemoteRateControlConfig() RemoteRateControlConfig {
	return RemoteRateControlConfig{
		MinBitrate:     10_000,
		MaxBitrate:     30_000_000,
		InitialBitrate: 300_000,
		Beta:           0.85,
	}
}

// RemoteRateControl is the default RateController: an AIMD controller that
// also maintains a belief about the channel's capacity ceiling.
//
// State transitions follow the standard table:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | Hold
//	Underusing | (stay)   | Hold     | Hold
//
// The multiplicative decrease uses the measured incoming rate, not the
// current estimate, so the controller reacts to what the sender actually
// transmits. Each decrease feeds a running average/variance of the incoming
// rate; the capacity region is derived from how far the incoming rate sits
// from that average.
type RemoteRateControl struct {
	config RemoteRateControlConfig

	state  RateControlState
	region RateControlRegion

	currentBitrate int64
	lastChangeMs   int64
	rttMs          int64

	input   RateControlInput
	updated bool
	valid   bool

	// Running statistics of the incoming bitrate around decreases, in kbps.
	// avgMaxBitrateKbps is -1 while no ceiling has been observed.
	avgMaxBitrateKbps float64
	varMaxBitrateKbps float64
}

// Default round-trip time assumed until SetRtt provides a measurement.
const defaultRttMs = 200

// NewRemoteRateControl creates a controller with the given configuration.
// Zero-valued fields fall back to defaults.
func NewRemoteRateControl(config RemoteRateControlConfig) *RemoteRateControl {
	if config.MinBitrate <= 0 {
		config.MinBitrate = 10_000
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = 30_000_000
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = 300_000
	}
	if config.Beta <= 0 || config.Beta >= 1 {
		config.Beta = 0.85
	}
	c := &RemoteRateControl{config: config}
	c.Reset()
	return c
}

// Reset restores the initial state. The configuration is preserved.
func (c *RemoteRateControl) Reset() {
	c.state = RateHold
	c.region = RegionMaxUnknown
	c.currentBitrate = c.config.InitialBitrate
	c.lastChangeMs = -1
	c.rttMs = defaultRttMs
	c.input = RateControlInput{}
	c.updated = false
	c.valid = false
	c.avgMaxBitrateKbps = -1
	c.varMaxBitrateKbps = 0.4
}

// SetRtt stores a round-trip-time sample.
func (c *RemoteRateControl) SetRtt(rttMs int64) {
	if rttMs > 0 {
		c.rttMs = rttMs
	}
}

// IsTimeToReduceFurther reports whether enough time has passed since the
// last rate change to reduce again, or whether the current estimate is far
// above what is actually arriving.
func (c *RemoteRateControl) IsTimeToReduceFurther(nowMs int64, incomingBitrateBps int64) bool {
	reductionIntervalMs := min(max(c.rttMs, 10), 200)
	if c.lastChangeMs >= 0 && nowMs-c.lastChangeMs >= reductionIntervalMs {
		return true
	}
	if c.valid {
		return incomingBitrateBps < c.currentBitrate/2
	}
	return false
}

// Update latches the aggregate input and returns the current region. While
// the latched state is already Overusing, a newer input only refreshes the
// measured fields - an overuse signal must never be overwritten before it
// has been acted on.
func (c *RemoteRateControl) Update(input RateControlInput, nowMs int64) RateControlRegion {
	if !c.valid && input.IncomingBitrate > 0 {
		c.valid = true
	}
	if c.updated && c.input.BwState == BwOverusing {
		c.input.IncomingBitrate = input.IncomingBitrate
		c.input.NoiseVar = input.NoiseVar
		return c.region
	}
	c.input = input
	c.updated = true
	return c.region
}

// UpdateBandwidthEstimate recomputes the target bitrate from the latched
// input and returns it.
func (c *RemoteRateControl) UpdateBandwidthEstimate(nowMs int64) int64 {
	if !c.updated {
		return c.currentBitrate
	}
	c.updated = false

	c.transitionState(c.input.BwState)
	c.adjustRate(c.input.IncomingBitrate, nowMs)
	c.clampRate()

	// Keep the estimate within 1.5x of what actually arrives so it cannot
	// run away from the sender.
	if c.input.IncomingBitrate > 0 {
		maxByRatio := c.input.IncomingBitrate * 3 / 2
		if c.currentBitrate > maxByRatio && maxByRatio >= c.config.MinBitrate {
			c.currentBitrate = maxByRatio
		}
	}
	return c.currentBitrate
}

// IsValidEstimate reports whether a usable estimate exists.
func (c *RemoteRateControl) IsValidEstimate() bool {
	return c.valid
}

// LatestEstimate returns the current target bitrate in bits per second.
func (c *RemoteRateControl) LatestEstimate() int64 {
	return c.currentBitrate
}

// State returns the current AIMD state.
func (c *RemoteRateControl) State() RateControlState {
	return c.state
}

// Region returns the current capacity region.
func (c *RemoteRateControl) Region() RateControlRegion {
	return c.region
}

func (c *RemoteRateControl) transitionState(signal BandwidthUsage) {
	switch c.state {
	case RateHold:
		switch signal {
		case BwOverusing:
			c.state = RateDecrease
		case BwNormal:
			c.state = RateIncrease
		case BwUnderusing:
			// Stay in Hold until the pipes have drained.
		}
	case RateIncrease:
		switch signal {
		case BwOverusing:
			c.state = RateDecrease
		case BwNormal:
			// Stay in Increase.
		case BwUnderusing:
			c.state = RateHold
		}
	case RateDecrease:
		switch signal {
		case BwOverusing:
			// Stay in Decrease.
		case BwNormal, BwUnderusing:
			c.state = RateHold
		}
	}
}

func (c *RemoteRateControl) adjustRate(incomingBitrate int64, nowMs int64) {
	switch c.state {
	case RateDecrease:
		rate := int64(c.config.Beta * float64(incomingBitrate))
		if rate > c.currentBitrate {
			// Never raise the rate while overusing.
			rate = c.currentBitrate
		}
		c.currentBitrate = rate

		incomingKbps := float64(incomingBitrate) / 1000.0
		if c.avgMaxBitrateKbps >= 0 &&
			incomingKbps < c.avgMaxBitrateKbps-3*c.stdMaxBitrateKbps() {
			// The incoming rate collapsed far below the believed ceiling;
			// whatever ceiling we had learned no longer applies.
			c.avgMaxBitrateKbps = -1
			c.changeRegion(RegionMaxUnknown)
		} else {
			c.changeRegion(RegionNearMax)
		}
		c.updateMaxBitrateEstimate(incomingKbps)

		// Hold until the queues have drained.
		c.state = RateHold
		c.lastChangeMs = nowMs

	case RateIncrease:
		incomingKbps := float64(incomingBitrate) / 1000.0
		if c.avgMaxBitrateKbps >= 0 {
			std := c.stdMaxBitrateKbps()
			if incomingKbps > c.avgMaxBitrateKbps+3*std {
				// Exceeded the believed ceiling by a wide margin; it was
				// wrong, start over.
				c.avgMaxBitrateKbps = -1
				c.changeRegion(RegionMaxUnknown)
			} else if incomingKbps > c.avgMaxBitrateKbps+2.5*std {
				c.changeRegion(RegionAboveMax)
			}
		}

		// Multiplicative increase: 1.08 per second, capped after idle gaps.
		if c.lastChangeMs >= 0 {
			elapsed := math.Min(float64(nowMs-c.lastChangeMs)/1000.0, 1.0)
			if elapsed > 0 {
				eta := math.Pow(1.08, elapsed)
				c.currentBitrate = int64(eta*float64(c.currentBitrate)) + 1000
			}
		}
		c.lastChangeMs = nowMs

	case RateHold:
		// No rate change.
	}
}

func (c *RemoteRateControl) clampRate() {
	if c.currentBitrate < c.config.MinBitrate {
		c.currentBitrate = c.config.MinBitrate
	}
	if c.currentBitrate > c.config.MaxBitrate {
		c.currentBitrate = c.config.MaxBitrate
	}
}

func (c *RemoteRateControl) changeRegion(region RateControlRegion) {
	c.region = region
}

// stdMaxBitrateKbps returns the standard deviation of the ceiling belief.
// The variance is kept normalized by the average.
func (c *RemoteRateControl) stdMaxBitrateKbps() float64 {
	if c.avgMaxBitrateKbps < 0 {
		return 0
	}
	return math.Sqrt(c.varMaxBitrateKbps * c.avgMaxBitrateKbps)
}

// updateMaxBitrateEstimate folds an incoming-rate observation taken at a
// decrease into the running ceiling statistics.
func (c *RemoteRateControl) updateMaxBitrateEstimate(incomingKbps float64) {
	const alpha = 0.05
	if c.avgMaxBitrateKbps == -1 {
		c.avgMaxBitrateKbps = incomingKbps
	} else {
		c.avgMaxBitrateKbps = (1-alpha)*c.avgMaxBitrateKbps + alpha*incomingKbps
	}
	// Estimate the variance normalized by the average of the max bitrate.
	norm := math.Max(c.avgMaxBitrateKbps, 1.0)
	diff := c.avgMaxBitrateKbps - incomingKbps
	c.varMaxBitrateKbps = (1-alpha)*c.varMaxBitrateKbps + alpha*diff*diff/norm
	if c.varMaxBitrateKbps < 0.4 {
		c.varMaxBitrateKbps = 0.4
	}
	if c.varMaxBitrateKbps > 2.5 {
		c.varMaxBitrateKbps = 2.5
	}
}
