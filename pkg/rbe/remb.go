package rbe

import (
	"github.com/pion/rtcp"
)

// REMBPacket is a Receiver Estimated Maximum Bitrate RTCP packet, the wire
// form in which the estimator's verdict reaches the sender. Thin wrapper
// around pion/rtcp's ReceiverEstimatedMaximumBitrate.
type REMBPacket struct {
	// SenderSSRC identifies the endpoint generating the REMB (the receiver).
	SenderSSRC uint32

	// Bitrate is the estimated maximum bitrate in bits per second.
	Bitrate int64

	// SSRCs lists the media sources the estimate applies to.
	SSRCs []uint32
}

// BuildREMB marshals a REMB packet for the given estimate and sources.
// The mantissa/exponent bitrate encoding is handled by pion/rtcp.
func BuildREMB(senderSSRC uint32, bitrateBps int64, mediaSSRCs []uint32) ([]byte, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
	return pkt.Marshal()
}

// ParseREMB decodes a REMB packet from raw RTCP bytes.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return &REMBPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    int64(pkt.Bitrate),
		SSRCs:      pkt.SSRCs,
	}, nil
}

// Marshal encodes the packet to RTCP bytes.
func (p *REMBPacket) Marshal() ([]byte, error) {
	return BuildREMB(p.SenderSSRC, p.Bitrate, p.SSRCs)
}
