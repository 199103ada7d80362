package rbe

// BandwidthUsage is the delay-trend classification produced by an
// OveruseDetector. The ordering matters: aggregation across streams always
// picks the maximum-severity value, so Normal < Underusing < Overusing.
type BandwidthUsage int

const (
	// BwNormal indicates the observed one-way delay trend is stable.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates queuing delay is shrinking - the link has headroom.
	BwUnderusing
	// BwOverusing indicates queuing delay is growing - congestion is building.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// RateControlRegion is the rate controller's belief about how close the
// current target bitrate is to the channel's real ceiling. It is fed back
// into every detector to scale the detection threshold.
type RateControlRegion int

const (
	// RegionMaxUnknown means no capacity ceiling has been observed yet.
	RegionMaxUnknown RateControlRegion = iota
	// RegionNearMax means the target is operating close to the believed ceiling.
	RegionNearMax
	// RegionAboveMax means the target exceeded the believed ceiling.
	RegionAboveMax
)

// String returns a string representation of the RateControlRegion.
func (r RateControlRegion) String() string {
	switch r {
	case RegionMaxUnknown:
		return "MaxUnknown"
	case RegionNearMax:
		return "NearMax"
	case RegionAboveMax:
		return "AboveMax"
	default:
		return "Unknown"
	}
}

// RateControlInput is the aggregate signal handed to the rate controller on
// every estimation cycle. It is rebuilt per cycle and not retained.
type RateControlInput struct {
	// BwState is the maximum-severity classification across all active streams.
	BwState BandwidthUsage

	// IncomingBitrate is the measured incoming bitrate in bits per second.
	IncomingBitrate int64

	// NoiseVar is the mean measurement-noise variance across all active streams.
	NoiseVar float64
}

// BitrateObserver is notified whenever a re-estimation cycle produces a valid
// bandwidth estimate. ssrcs is an immutable snapshot of the active sources
// the estimate applies to; bitrateBps is the target in bits per second.
type BitrateObserver func(ssrcs []uint32, bitrateBps int64)
