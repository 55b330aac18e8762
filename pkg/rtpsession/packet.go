package rtpsession

import "github.com/pion/rtp"

// RTPPacket is the caller-facing view of a received media packet, handed
// to OnRTPPacketReceived once the demultiplexer has classified it,
// matched its track, and (if this session is secure) unprotected it.
type RTPPacket struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	Payload        []byte
}

func newRTPPacket(pkt *rtp.Packet) *RTPPacket {
	return &RTPPacket{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		PayloadType:    pkt.PayloadType,
		Marker:         pkt.Marker,
		Payload:        pkt.Payload,
	}
}
