package rbe

import (
	"time"
)

// REMBSchedulerConfig configures REMB send pacing.
type REMBSchedulerConfig struct {
	// Interval is the regular REMB send interval. Default: 1 second.
	Interval time.Duration

	// DecreaseThreshold is the minimum relative estimate decrease that
	// bypasses the interval and sends immediately. Default: 0.03 (3%).
	DecreaseThreshold float64

	// SenderSSRC is the receiver-side SSRC placed in outgoing REMB packets.
	SenderSSRC uint32
}

// DefaultREMBSchedulerConfig returns the default pacing configuration.
func DefaultREMBSchedulerConfig() REMBSchedulerConfig {
	return REMBSchedulerConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// REMBScheduler paces estimator verdicts into REMB packets. The estimator's
// observer fires on every valid estimation cycle, including triggered
// out-of-cycle ones; the scheduler forwards at most one REMB per interval,
// except that a significant decrease goes out immediately so the sender can
// back off without waiting.
//
// Not safe for concurrent use without external locking.
type REMBScheduler struct {
	config    REMBSchedulerConfig
	lastSent  time.Time
	lastValue int64
}

// NewREMBScheduler creates a scheduler with the given configuration.
func NewREMBScheduler(config REMBSchedulerConfig) *REMBScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &REMBScheduler{config: config}
}

// ShouldSend reports whether a REMB carrying estimate should go out now:
// either the regular interval elapsed, or the estimate dropped by at least
// DecreaseThreshold relative to the last sent value.
func (s *REMBScheduler) ShouldSend(estimate int64, now time.Time) bool {
	if s.lastValue > 0 {
		decrease := float64(s.lastValue-estimate) / float64(s.lastValue)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

// MaybeBuild returns a marshaled REMB packet when one should be sent now,
// recording the send. Returns (nil, false, nil) when pacing suppresses it.
func (s *REMBScheduler) MaybeBuild(estimate int64, ssrcs []uint32, now time.Time) ([]byte, bool, error) {
	if !s.ShouldSend(estimate, now) {
		return nil, false, nil
	}
	data, err := BuildREMB(s.config.SenderSSRC, estimate, ssrcs)
	if err != nil {
		return nil, false, err
	}
	s.lastSent = now
	s.lastValue = estimate
	return data, true, nil
}

// LastSentValue returns the estimate carried by the last REMB, zero if none.
func (s *REMBScheduler) LastSentValue() int64 {
	return s.lastValue
}

// LastSentTime returns when the last REMB went out, zero time if none.
func (s *REMBScheduler) LastSentTime() time.Time {
	return s.lastSent
}

// Reset clears pacing state.
func (s *REMBScheduler) Reset() {
	s.lastSent = time.Time{}
	s.lastValue = 0
}
