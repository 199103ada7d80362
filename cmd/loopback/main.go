// In-process WebRTC loopback demo for the bandwidth estimator interceptor.
//
// Two PeerConnections are wired together locally: the sender pushes a
// synthetic VP8 RTP stream, the receiver runs the estimator interceptor and
// reports its REMB verdicts to stdout. Useful for eyeballing estimator
// behavior against a real Pion media pipeline without a browser.
//
// Usage:
//
//	go run ./cmd/loopback -duration 30s
package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	rbeinterceptor "github.com/mediapulse/rbe/pkg/rbe/interceptor"
)

const (
	frameIntervalMs = 20
	rtpClockPerMs   = 90
	payloadSize     = 1000
)

func main() {
	duration := flag.Duration("duration", 30*time.Second, "How long to run the loopback")
	flag.Parse()

	receiver, err := newReceiverPeer()
	if err != nil {
		log.Fatalf("receiver: %v", err)
	}
	defer receiver.Close()

	sender, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Fatalf("sender: %v", err)
	}
	defer sender.Close()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "loopback",
	)
	if err != nil {
		log.Fatalf("track: %v", err)
	}
	if _, err := sender.AddTrack(track); err != nil {
		log.Fatalf("add track: %v", err)
	}

	// Drain received packets so the interceptor chain sees every one.
	receiver.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("receiving track ssrc=%d codec=%s", remote.SSRC(), remote.Codec().MimeType)
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				return
			}
		}
	})

	if err := connect(sender, receiver); err != nil {
		log.Fatalf("connect: %v", err)
	}

	done := time.After(*duration)
	ticker := time.NewTicker(frameIntervalMs * time.Millisecond)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
		},
		Payload: make([]byte, payloadSize),
	}

	log.Printf("sending for %v...", *duration)
	for {
		select {
		case <-done:
			log.Printf("done")
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += frameIntervalMs * rtpClockPerMs
			if err := track.WriteRTP(pkt); err != nil {
				log.Printf("write: %v", err)
				return
			}
		}
	}
}

// newReceiverPeer builds a recvonly PeerConnection with the estimator
// interceptor installed.
func newReceiverPeer() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	factory, err := rbeinterceptor.NewFactory(
		rbeinterceptor.WithREMBInterval(time.Second),
		rbeinterceptor.WithOnEstimate(func(bitrateBps int64, ssrcs []uint32) {
			log.Printf("REMB sent: estimate=%d bps, ssrcs=%v", bitrateBps, ssrcs)
		}),
	)
	if err != nil {
		return nil, err
	}
	registry.Add(factory)

	if err := webrtc.ConfigureRTCPReports(registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// connect runs the offer/answer exchange between two local peers, waiting
// for ICE gathering so the descriptions carry host candidates.
func connect(offerer, answerer *webrtc.PeerConnection) error {
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		return err
	}
	offerGathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		return err
	}
	<-offerGathered

	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		return err
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		return err
	}
	answerGathered := webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		return err
	}
	<-answerGathered

	return offerer.SetRemoteDescription(*answerer.LocalDescription())
}
