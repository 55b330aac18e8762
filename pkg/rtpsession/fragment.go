package rtpsession

import (
	"github.com/pion/rtp"
)

// writeRTP implements the shared per-packet write path of spec.md §4.5:
// secure-context gating, SRTP protect, RTCP bookkeeping and
// last_sent_timestamp maintenance. Every fragmenter funnels through this.
func (s *Session) writeRTP(track *Track, payloadType uint8, timestamp uint32, marker bool, payload []byte) error {
	if s.isSecure && !s.secureReady.Load() {
		return newKindError(ErrSecureContextNotReady, track.Kind, "secure session has no transforms installed yet")
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: track.NextSeqNum(),
			Timestamp:      timestamp,
			SSRC:           track.SSRC(),
		},
		Payload: payload,
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return wrapError(ErrTransformFailed, "failed to marshal outbound RTP packet", err)
	}

	buf := make([]byte, len(raw), len(raw)+SRTPMaxPrefixLength)
	copy(buf, raw)
	n := len(buf)

	if s.isSecure {
		s.mu.RLock()
		protect := s.transforms.ProtectRTP
		s.mu.RUnlock()
		if protect == nil {
			return newKindError(ErrSecureContextNotReady, track.Kind, "no ProtectRTP transform installed")
		}
		buf = append(buf, make([]byte, SRTPMaxPrefixLength)...)
		n, err = protect(buf, n)
		if err != nil {
			return wrapError(ErrTransformFailed, "SRTP protect failed", err)
		}
	}

	ch := s.channelFor(track.Kind)
	if ch == nil {
		return newKindError(ErrTransportSend, track.Kind, "no channel allocated for this kind")
	}

	s.mu.RLock()
	dest := s.destRTP[track.Kind]
	s.mu.RUnlock()
	if dest == nil {
		return newKindError(ErrTransportSend, track.Kind, "no remote RTP address learned yet")
	}

	if err := ch.Send(SocketRTP, dest, buf[:n]); err != nil {
		return wrapError(ErrTransportSend, "channel send failed", err)
	}

	if rep := s.reporterFor(track.Kind); rep != nil {
		rep.RecordSent(pkt)
	}

	s.mu.Lock()
	s.lastSentTimestamp = timestamp
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.packetsSent.WithLabelValues(track.Kind.String()).Inc()
	}

	return nil
}

// SendAudioFrame fragments a single audio frame into RTPMaxPayload-sized
// packets per spec.md §4.5: the marker bit is always clear, and the
// track's timestamp advances exactly once by durationSamples regardless of
// fragment count.
func (s *Session) SendAudioFrame(payload []byte, durationSamples uint32) error {
	track := s.localTrack(KindAudio)
	if track == nil {
		return newKindError(ErrNoLocalTracks, KindAudio, "no local audio track")
	}
	format, ok := track.SendingFormat()
	if !ok {
		return newKindError(ErrMissingSendingFormat, KindAudio, "no negotiated sending format")
	}

	timestamp := track.Timestamp()
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > RTPMaxPayload {
			chunk = chunk[:RTPMaxPayload]
		}
		if err := s.writeRTP(track, format.PayloadType, timestamp, false, chunk); err != nil {
			return err
		}
		payload = payload[len(chunk):]
	}

	track.AdvanceTimestamp(durationSamples)
	return nil
}

// SendVideoFrameVP8 fragments a VP8-encoded frame per the minimal
// single-octet payload descriptor of RFC 7741 §4.2: 0x10 marks the start
// of a new frame's first fragment, 0x00 marks continuation, and the RTP
// marker bit is set on the frame's final fragment.
func (s *Session) SendVideoFrameVP8(payload []byte, durationSamples uint32) error {
	track := s.localTrack(KindVideo)
	if track == nil {
		return newKindError(ErrNoLocalTracks, KindVideo, "no local video track")
	}
	format, ok := track.SendingFormat()
	if !ok {
		return newKindError(ErrMissingSendingFormat, KindVideo, "no negotiated sending format")
	}

	const maxChunk = RTPMaxPayload - 1
	timestamp := track.Timestamp()
	first := true
	for len(payload) > 0 {
		n := len(payload)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := payload[:n]
		payload = payload[n:]

		descriptor := byte(0x00)
		if first {
			descriptor = 0x10
			first = false
		}
		framed := make([]byte, 1+len(chunk))
		framed[0] = descriptor
		copy(framed[1:], chunk)

		marker := len(payload) == 0
		if err := s.writeRTP(track, format.PayloadType, timestamp, marker, framed); err != nil {
			return err
		}
	}

	track.AdvanceTimestamp(durationSamples)
	return nil
}

// jpegHeader is the 8-byte RFC 2435 §3.1 fixed header this package emits;
// restart markers and quantization tables are out of scope (spec.md §9).
type jpegHeader struct {
	typeSpecific byte
	fragOffset   uint32 // 24-bit on the wire
	jpegType     byte
	quality      byte
	width        byte // in 8-pixel blocks
	height       byte // in 8-pixel blocks
}

func (h jpegHeader) marshal() []byte {
	b := make([]byte, 8)
	b[0] = h.typeSpecific
	b[1] = byte(h.fragOffset >> 16)
	b[2] = byte(h.fragOffset >> 8)
	b[3] = byte(h.fragOffset)
	b[4] = h.jpegType
	b[5] = h.quality
	b[6] = h.width
	b[7] = h.height
	return b
}

// SendVideoFrameJPEG fragments a JPEG frame per the minimal RFC 2435
// header: fragment_offset tracks the cumulative byte offset into the
// frame, and width/height are expressed in 8-pixel blocks as the RFC
// requires.
func (s *Session) SendVideoFrameJPEG(payload []byte, widthPixels, heightPixels int, quality byte, durationSamples uint32) error {
	track := s.localTrack(KindVideo)
	if track == nil {
		return newKindError(ErrNoLocalTracks, KindVideo, "no local video track")
	}
	format, ok := track.SendingFormat()
	if !ok {
		return newKindError(ErrMissingSendingFormat, KindVideo, "no negotiated sending format")
	}

	const maxChunk = RTPMaxPayload - 8
	timestamp := track.Timestamp()
	var offset uint32
	for len(payload) > 0 {
		n := len(payload)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := payload[:n]
		payload = payload[n:]

		hdr := jpegHeader{
			fragOffset: offset,
			quality:    quality,
			width:      byte(widthPixels / 8),
			height:     byte(heightPixels / 8),
		}
		framed := append(hdr.marshal(), chunk...)

		marker := len(payload) == 0
		if err := s.writeRTP(track, format.PayloadType, timestamp, marker, framed); err != nil {
			return err
		}
		offset += uint32(n)
	}

	track.AdvanceTimestamp(durationSamples)
	return nil
}

// h264FUAIndicator and the h264FUA*Header constants are the FU-A (NAL unit
// type 28) indicator/header bytes of RFC 6184 §5.8, using the fixed flag bytes
// {0x89, 0x09, 0x49} named in spec.md §4.5: start, middle, end.
const (
	h264FUAIndicator   = 0x1C
	h264FUAStartHeader = 0x89
	h264FUAMidHeader   = 0x09
	h264FUAEndHeader   = 0x49
)

// SendVideoFrameH264 fragments a single H.264 NAL unit per RFC 6184's
// FU-A mechanism when its bytes after the NAL header do not fit in one
// packet, and otherwise sends them as one FU-A packet carrying the end
// flag (0x1C, 0x49) with the marker bit set.
func (s *Session) SendVideoFrameH264(nalUnit []byte, durationSamples uint32) error {
	track := s.localTrack(KindVideo)
	if track == nil {
		return newKindError(ErrNoLocalTracks, KindVideo, "no local video track")
	}
	format, ok := track.SendingFormat()
	if !ok {
		return newKindError(ErrMissingSendingFormat, KindVideo, "no negotiated sending format")
	}

	timestamp := track.Timestamp()

	const maxChunk = RTPMaxPayload - H264RTPHeaderLength
	rest := nalUnit[1:]

	first := true
	for first || len(rest) > 0 {
		n := len(rest)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := rest[:n]
		rest = rest[n:]
		last := len(rest) == 0

		var flag byte
		switch {
		case first && last:
			flag = h264FUAEndHeader
		case first:
			flag = h264FUAStartHeader
		case last:
			flag = h264FUAEndHeader
		default:
			flag = h264FUAMidHeader
		}

		framed := make([]byte, 2+len(chunk))
		framed[0] = h264FUAIndicator
		framed[1] = flag
		copy(framed[2:], chunk)

		if err := s.writeRTP(track, format.PayloadType, timestamp, last, framed); err != nil {
			return err
		}
		first = false
		if last {
			break
		}
	}

	track.AdvanceTimestamp(durationSamples)
	return nil
}
