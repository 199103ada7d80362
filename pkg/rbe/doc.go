// Package rbe implements receiver-side remote bitrate estimation for
// real-time media streams sharing a transport.
//
// One OveruseDetector per inbound SSRC turns inter-frame arrival timing into
// a delay-trend classification (normal, underusing, overusing) using a
// two-state Kalman filter. A SingleStreamEstimator owns the detectors,
// aggregates their signals, drives an AIMD rate controller and reports the
// resulting bandwidth estimate to an observer. The estimate is typically
// published to the sender as a REMB RTCP packet.
package rbe
