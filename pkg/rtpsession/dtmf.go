package rtpsession

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit is a single RFC 4733 telephony-event digit.
type DTMFDigit uint8

const (
	DTMF0 DTMFDigit = iota
	DTMF1
	DTMF2
	DTMF3
	DTMF4
	DTMF5
	DTMF6
	DTMF7
	DTMF8
	DTMF9
	DTMFStar
	DTMFPound
	DTMFA
	DTMFB
	DTMFC
	DTMFD
)

func (d DTMFDigit) String() string {
	switch d {
	case DTMF0, DTMF1, DTMF2, DTMF3, DTMF4, DTMF5, DTMF6, DTMF7, DTMF8, DTMF9:
		return string('0' + byte(d))
	case DTMFStar:
		return "*"
	case DTMFPound:
		return "#"
	case DTMFA:
		return "A"
	case DTMFB:
		return "B"
	case DTMFC:
		return "C"
	case DTMFD:
		return "D"
	default:
		return "?"
	}
}

// DTMFEvent is the caller-facing description of a telephony event to send
// or one that has been received, per spec.md §4.6.
type DTMFEvent struct {
	Digit    DTMFDigit
	Duration time.Duration
	Volume   int8
}

// TelephonyEventHeader is the decoded RFC 4733 payload of a single
// telephony-event packet, surfaced to OnRTPEvent on every packet so a
// caller can reconstruct timing itself if it needs to.
type TelephonyEventHeader struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

func encodeTelephonyEvent(h TelephonyEventHeader) []byte {
	b := make([]byte, 4)
	b[0] = h.Event
	if h.EndOfEvent {
		b[1] |= 0x80
	}
	b[1] |= h.Volume & 0x3F
	b[2] = byte(h.Duration >> 8)
	b[3] = byte(h.Duration)
	return b
}

func decodeTelephonyEvent(payload []byte) (TelephonyEventHeader, bool) {
	if len(payload) < 4 {
		return TelephonyEventHeader{}, false
	}
	return TelephonyEventHeader{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   uint16(payload[2])<<8 | uint16(payload[3]),
	}, true
}

// SendDTMFEvent implements the RFC 2833/4733 burst protocol of spec.md
// §4.6: three duplicated start packets, periodic continuation packets
// every sample period with an incrementing duration, and three duplicated
// end-of-event packets — unless ctx is cancelled first, in which case no
// end-of-event packets are sent. Only one event may be in flight per
// session; a second call returns an ErrTransformFailed error rather than
// blocking.
func (s *Session) SendDTMFEvent(ctx context.Context, event DTMFEvent) error {
	if !s.rtpEventInProgress.CompareAndSwap(false, true) {
		return newError(ErrTransformFailed, "a telephony event is already in progress")
	}
	defer s.rtpEventInProgress.Store(false)

	track := s.localTrack(KindAudio)
	if track == nil {
		return newKindError(ErrNoLocalTracks, KindAudio, "no local audio track to carry the telephony event")
	}

	clockRate := DefaultAudioClockRate
	if format, ok := track.SendingFormat(); ok && format.ClockRate > 0 {
		clockRate = int(format.ClockRate)
	}

	s.mu.RLock()
	payloadID := s.remoteDTMFPayloadID
	startTimestamp := s.lastSentTimestamp
	s.mu.RUnlock()

	step := uint16(clockRate * RTPEventDefaultSamplePeriodMS / 1000)
	totalDuration := uint16(event.Duration.Seconds() * float64(clockRate))
	if totalDuration == 0 {
		totalDuration = step
	}

	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
	}
	if volume > 63 {
		volume = 63
	}

	send := func(duration uint16, endOfEvent bool, marker bool) error {
		hdr := TelephonyEventHeader{
			Event:      uint8(event.Digit),
			EndOfEvent: endOfEvent,
			Volume:     volume,
			Duration:   duration,
		}
		return s.writeRTP(track, payloadID, startTimestamp, marker, encodeTelephonyEvent(hdr))
	}

	for i := 0; i < DTMFDuplicateCount; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := send(step, false, i == 0); err != nil {
			return err
		}
	}

	duration := step
	ticker := time.NewTicker(RTPEventDefaultSamplePeriodMS * time.Millisecond)
	defer ticker.Stop()

	for duration+step < totalDuration {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			duration += step
			if err := send(duration, false, false); err != nil {
				return err
			}
		}
	}

	for i := 0; i < DTMFDuplicateCount; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := send(totalDuration, true, false); err != nil {
			return err
		}
	}
	return nil
}

// handleInboundTelephonyEvent decodes a telephony-event RTP packet and, if
// it is a new event or an end-of-event marker, invokes onRTPEvent.
func (s *Session) handleInboundTelephonyEvent(pkt *rtp.Packet) {
	hdr, ok := decodeTelephonyEvent(pkt.Payload)
	if !ok {
		s.logger().Warn("dropping malformed telephony-event payload", "len", len(pkt.Payload))
		return
	}

	s.cbMu.RLock()
	cb := s.onRTPEvent
	s.cbMu.RUnlock()
	if cb == nil {
		return
	}

	volume := -int8(hdr.Volume)
	clockRate := DefaultAudioClockRate
	if track := s.remoteTrack(KindAudio); track != nil {
		if capb, ok := track.SendingFormat(); ok && capb.ClockRate > 0 {
			clockRate = int(capb.ClockRate)
		}
	}

	event := DTMFEvent{
		Digit:    DTMFDigit(hdr.Event & 0x0F),
		Duration: time.Duration(hdr.Duration) * time.Second / time.Duration(clockRate),
		Volume:   volume,
	}
	cb(event, hdr)
}
