// Package interceptor binds the rbe estimator into a Pion media pipeline.
// It observes incoming RTP packets, drives the estimator's recurring-process
// schedule, and publishes bandwidth estimates to the sender as REMB packets.
package interceptor

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/mediapulse/rbe/pkg/rbe"
)

// minProcessWait bounds how tightly the process loop polls the estimator.
const minProcessWait = 10 * time.Millisecond

// Estimator is a Pion interceptor performing receiver-side bandwidth
// estimation on every bound remote stream. Packet timing comes from the RTP
// header itself (SSRC and timestamp); no header extension is required.
//
// Usage:
//
//	factory, _ := NewFactory()
//	registry := &interceptor.Registry{}
//	registry.Add(factory)
type Estimator struct {
	interceptor.NoOp

	estimator  *rbe.SingleStreamEstimator
	scheduler  *rbe.REMBScheduler
	log        logging.LeveledLogger
	onEstimate func(bitrateBps int64, ssrcs []uint32)

	mu         sync.Mutex
	rtcpWriter interceptor.RTCPWriter

	// latest holds the most recent valid verdict from the estimator's
	// observer; notify wakes the loop to publish it.
	latestMu      sync.Mutex
	latestBitrate int64
	latestSSRCs   []uint32
	notify        chan struct{}

	closed    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

// Option configures an Estimator interceptor.
type Option func(*options)

type options struct {
	config       rbe.EstimatorConfig
	rembInterval time.Duration
	senderSSRC   uint32
	onEstimate   func(bitrateBps int64, ssrcs []uint32)
	loggerFab    logging.LoggerFactory
}

// WithEstimatorConfig replaces the default estimator configuration.
func WithEstimatorConfig(config rbe.EstimatorConfig) Option {
	return func(o *options) {
		o.config = config
	}
}

// WithREMBInterval sets the regular REMB send interval. Default: 1 second.
func WithREMBInterval(d time.Duration) Option {
	return func(o *options) {
		o.rembInterval = d
	}
}

// WithSenderSSRC sets the receiver SSRC placed in outgoing REMB packets.
func WithSenderSSRC(ssrc uint32) Option {
	return func(o *options) {
		o.senderSSRC = ssrc
	}
}

// WithOnEstimate registers a callback invoked for every REMB actually sent.
func WithOnEstimate(fn func(bitrateBps int64, ssrcs []uint32)) Option {
	return func(o *options) {
		o.onEstimate = fn
	}
}

// WithLoggerFactory sets the logger factory for the interceptor and the
// estimator it owns.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *options) {
		o.loggerFab = f
	}
}

// NewEstimator creates the interceptor. Most callers should go through
// NewFactory instead so each PeerConnection gets its own instance.
func NewEstimator(opts ...Option) (*Estimator, error) {
	o := &options{
		config:       rbe.DefaultEstimatorConfig(),
		rembInterval: time.Second,
		loggerFab:    logging.NewDefaultLoggerFactory(),
	}
	for _, opt := range opts {
		opt(o)
	}

	i := &Estimator{
		log:        o.loggerFab.NewLogger("rbe_interceptor"),
		onEstimate: o.onEstimate,
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}

	rembConfig := rbe.DefaultREMBSchedulerConfig()
	rembConfig.Interval = o.rembInterval
	rembConfig.SenderSSRC = o.senderSSRC
	i.scheduler = rbe.NewREMBScheduler(rembConfig)

	est, err := rbe.NewSingleStreamEstimator(o.config, i.onBitrateChanged,
		rbe.WithLogger(o.loggerFab.NewLogger("rbe")))
	if err != nil {
		return nil, err
	}
	i.estimator = est
	return i, nil
}

// Close shuts down the interceptor and waits for its loop to exit.
func (i *Estimator) Close() error {
	close(i.closed)
	i.wg.Wait()
	return nil
}

// BindRTCPWriter captures the writer used to send REMB packets and starts
// the process loop.
func (i *Estimator) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.loop()
	})
	return writer
}

// BindRemoteStream wraps the stream's RTP reader so every received packet
// reaches the estimator.
func (i *Estimator) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n])
		}
		return n, a, err
	})
}

// UnbindRemoteStream removes the stream from the estimator. Detectors of
// streams that go silent without an unbind are evicted by the estimator's
// own staleness handling.
func (i *Estimator) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.estimator.RemoveStream(info.SSRC)
}

// SetRtt feeds a round-trip-time measurement to the rate controller.
func (i *Estimator) SetRtt(rtt time.Duration) {
	i.estimator.OnRttUpdate(rtt)
}

// LatestEstimate exposes the estimator's current verdict.
func (i *Estimator) LatestEstimate() (int64, bool) {
	return i.estimator.LatestEstimate()
}

// processRTP parses the header and hands the packet to the estimator.
func (i *Estimator) processRTP(raw []byte) {
	var header rtp.Header
	if _, err := header.Unmarshal(raw); err != nil {
		return // not RTP, ignore
	}
	i.estimator.IncomingPacket(time.Now(), len(raw), header.SSRC, header.Timestamp)
}

// onBitrateChanged is the estimator's observer. It runs under the
// estimator's lock, so it only records the verdict and wakes the loop.
func (i *Estimator) onBitrateChanged(ssrcs []uint32, bitrateBps int64) {
	i.latestMu.Lock()
	i.latestBitrate = bitrateBps
	i.latestSSRCs = ssrcs
	i.latestMu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// loop drives the estimator's recurring-process contract and publishes REMB
// whenever a new verdict arrives.
func (i *Estimator) loop() {
	defer i.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-i.notify:
			i.maybeSendREMB(time.Now())
		case <-timer.C:
			i.estimator.Process()
		}

		wait := i.estimator.TimeUntilNextProcess()
		if wait < minProcessWait {
			wait = minProcessWait
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// maybeSendREMB runs the pacing scheduler over the latest verdict and writes
// a REMB through the bound RTCP writer.
func (i *Estimator) maybeSendREMB(now time.Time) {
	i.latestMu.Lock()
	bitrate := i.latestBitrate
	ssrcs := i.latestSSRCs
	i.latestMu.Unlock()
	if bitrate <= 0 || len(ssrcs) == 0 {
		return
	}

	i.mu.Lock()
	writer := i.rtcpWriter
	data, send, err := i.scheduler.MaybeBuild(bitrate, ssrcs, now)
	i.mu.Unlock()
	if err != nil || !send || writer == nil {
		return
	}

	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return // own bytes, should not happen
	}
	if _, err := writer.Write(pkts, nil); err != nil {
		i.log.Debugf("remb write failed: %v", err)
		return
	}
	if i.onEstimate != nil {
		i.onEstimate(bitrate, ssrcs)
	}
}
