package rtpsession

import (
	"net"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// wireChannel subscribes to a newly allocated Channel's callbacks, routing
// inbound datagrams through the demultiplexer described in spec.md §4.3.
func (s *Session) wireChannel(ch Channel, kind MediaKind) {
	ch.OnRTPReceived(func(local, remote net.Addr, data []byte) {
		s.handleInboundRTP(kind, remote, data)
	})
	ch.OnControlReceived(func(local, remote net.Addr, data []byte) {
		s.handleInboundRTCP(kind, remote, data)
	})
}

// wireReporter subscribes to a newly allocated RTCPReporter's callbacks:
// report-ready transmits the compound packet over the right channel,
// and timeout surfaces to the embedder.
func (s *Session) wireReporter(rep RTCPReporter, kind MediaKind) {
	rep.OnReportReady(func(compound []rtcp.Packet) {
		s.sendCompoundRTCP(kind, compound)
	})
	rep.OnTimeout(func() {
		s.cbMu.RLock()
		cb := s.onTimeout
		s.cbMu.RUnlock()
		if cb != nil {
			cb(kind)
		}
	})
}

// handleInboundRTP implements spec.md §4.3: the version/range guard, the
// secure-context gate, SRTP unprotect, parsing, DTMF-vs-media branching,
// remote SSRC learning and idempotent address learning.
func (s *Session) handleInboundRTP(kind MediaKind, remote net.Addr, data []byte) {
	if len(data) < minRTPHeaderLength {
		s.dropPacket("short")
		return
	}
	firstByte := data[0]
	version := firstByte >> 6
	if version != 2 {
		s.dropPacket("version")
		return
	}

	buf := make([]byte, len(data), len(data)+SRTPMaxPrefixLength)
	copy(buf, data)
	n := len(buf)

	if s.isSecure {
		if !s.secureReady.Load() {
			s.dropPacket("secure_not_ready")
			return
		}
		s.mu.RLock()
		unprotect := s.transforms.UnprotectRTP
		s.mu.RUnlock()
		if unprotect == nil {
			s.dropPacket("secure_not_ready")
			return
		}
		buf = append(buf, make([]byte, SRTPMaxPrefixLength)...)
		var err error
		n, err = unprotect(buf, n)
		if err != nil {
			s.dropPacket("unprotect_failed")
			return
		}
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		s.dropPacket("parse_failed")
		return
	}

	resolvedKind := kind
	if s.isMediaMuxed {
		resolvedKind = s.resolveMuxedKind(pkt.PayloadType)
	}

	track := s.remoteTrack(resolvedKind)
	if track == nil {
		s.dropPacket("no_remote_track")
		return
	}

	track.LearnSSRC(pkt.SSRC)
	s.learnRemoteAddress(resolvedKind, remote)

	if rep := s.reporterFor(resolvedKind); rep != nil {
		rep.RecordReceived(pkt)
	}

	if track.HasPayloadType(s.dtmfPayloadID()) && pkt.PayloadType == s.dtmfPayloadID() {
		s.handleInboundTelephonyEvent(pkt)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.packetsReceived.WithLabelValues(resolvedKind.String()).Inc()
	}

	s.cbMu.RLock()
	cb := s.onRTPPacketReceived
	s.cbMu.RUnlock()
	if cb != nil {
		cb(resolvedKind, newRTPPacket(pkt))
	}
}

// resolveMuxedKind picks the media kind whose remote track capability list
// names payloadType, for a media-muxed session carrying both kinds on one
// socket. Falls back to KindAudio if no track claims the payload type.
func (s *Session) resolveMuxedKind(payloadType uint8) MediaKind {
	if track := s.remoteTrack(KindVideo); track != nil && track.HasPayloadType(payloadType) {
		return KindVideo
	}
	return KindAudio
}

func (s *Session) dtmfPayloadID() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteDTMFPayloadID
}

func (s *Session) reporterFor(kind MediaKind) RTCPReporter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rtcp[kind]
}

// learnRemoteAddress records remote as the RTP destination for kind only
// when no destination is known yet, and is a no-op afterward (idempotent
// address learning). A destination already taken from the remote SDP is
// never replaced by an observed source address.
func (s *Session) learnRemoteAddress(kind MediaKind, remote net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.destRTP[kind]; !known {
		s.destRTP[kind] = remote
	}
}

func (s *Session) dropPacket(reason string) {
	s.logger().Debug("dropping inbound datagram", "reason", reason)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.packetsDropped.WithLabelValues(reason).Inc()
	}
}

// handleInboundRTCP implements spec.md §4.3 step 3 / §4.4: RTCP
// classification by packet-type look-ahead, unprotect, parsing, BYE
// detection, and RTCP-to-session matching by primary SSRC or reception
// report SSRC.
func (s *Session) handleInboundRTCP(kind MediaKind, remote net.Addr, data []byte) {
	if len(data) < 8 {
		s.dropPacket("short")
		return
	}
	pt := data[1]
	if pt != rtcpSenderReportPT && pt != rtcpReceiverReportPT {
		s.dropPacket("not_rtcp")
		return
	}

	buf := make([]byte, len(data), len(data)+SRTPMaxPrefixLength)
	copy(buf, data)
	n := len(buf)

	if s.isSecure {
		if !s.secureReady.Load() {
			s.dropPacket("secure_not_ready")
			return
		}
		s.mu.RLock()
		unprotect := s.transforms.UnprotectRTCP
		s.mu.RUnlock()
		if unprotect == nil {
			s.dropPacket("secure_not_ready")
			return
		}
		buf = append(buf, make([]byte, SRTPMaxPrefixLength)...)
		var err error
		n, err = unprotect(buf, n)
		if err != nil {
			s.dropPacket("unprotect_failed")
			return
		}
	}

	packets, err := rtcp.Unmarshal(buf[:n])
	if err != nil {
		s.dropPacket("parse_failed")
		return
	}

	matchedKind, matched := s.matchRTCPToSession(kind, packets)
	if !matched {
		s.dropPacket("no_match")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.rtcpReportsReceived.Inc()
	}

	if rep := s.reporterFor(matchedKind); rep != nil {
		if hr, ok := rep.(interface{ HandleIncoming([]rtcp.Packet) }); ok {
			hr.HandleIncoming(packets)
		}
	}

	for _, p := range packets {
		if _, isBye := p.(*rtcp.Goodbye); isBye {
			s.cbMu.RLock()
			cb := s.onRTCPBye
			s.cbMu.RUnlock()
			if cb != nil {
				cb("received RTCP BYE")
			}
		}
	}

	s.cbMu.RLock()
	cb := s.onReceiveReport
	s.cbMu.RUnlock()
	if cb != nil {
		cb(matchedKind, packets)
	}
}

// matchRTCPToSession implements spec.md §4.4: primary match against the
// remote track's learned SSRC, fallback match against any reception
// report block naming a local track's SSRC.
func (s *Session) matchRTCPToSession(kind MediaKind, packets []rtcp.Packet) (MediaKind, bool) {
	for _, p := range packets {
		var ssrc uint32
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			ssrc = pkt.SSRC
		case *rtcp.ReceiverReport:
			ssrc = pkt.SSRC
		default:
			continue
		}
		for _, k := range []MediaKind{KindAudio, KindVideo} {
			if track := s.remoteTrack(k); track != nil && track.SSRC() == ssrc {
				return k, true
			}
		}
	}

	for _, p := range packets {
		var reports []rtcp.ReceptionReport
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			reports = pkt.Reports
		case *rtcp.ReceiverReport:
			reports = pkt.Reports
		default:
			continue
		}
		for _, rr := range reports {
			for _, k := range []MediaKind{KindAudio, KindVideo} {
				if track := s.localTrack(k); track != nil && track.SSRC() == rr.SSRC {
					return k, true
				}
			}
		}
	}

	return kind, false
}

// sendCompoundRTCP marshals and transmits a compound RTCP report over the
// channel carrying kind's control traffic.
func (s *Session) sendCompoundRTCP(kind MediaKind, compound []rtcp.Packet) {
	data, err := rtcp.Marshal(compound)
	if err != nil {
		s.logger().Warn("failed to marshal outbound RTCP", "error", err)
		return
	}

	if s.isSecure {
		if !s.secureReady.Load() {
			return
		}
		s.mu.RLock()
		protect := s.transforms.ProtectRTCP
		s.mu.RUnlock()
		if protect == nil {
			return
		}
		buf := make([]byte, len(data), len(data)+SRTPMaxPrefixLength)
		copy(buf, data)
		buf = append(buf, make([]byte, SRTPMaxPrefixLength)...)
		n, err := protect(buf, len(data))
		if err != nil {
			s.logger().Warn("failed to protect outbound RTCP", "error", err)
			return
		}
		data = buf[:n]
	}

	ch := s.channelFor(kind)
	if ch == nil {
		return
	}

	s.mu.RLock()
	dest := s.destControl[kind]
	if dest == nil {
		dest = s.destRTP[kind]
	}
	s.mu.RUnlock()
	if dest == nil {
		return
	}

	socket := SocketControl
	if s.isRTCPMuxed {
		socket = SocketRTP
	}
	_ = ch.Send(socket, dest, data)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.rtcpReportsSent.Inc()
	}

	s.cbMu.RLock()
	cb := s.onSendReport
	s.cbMu.RUnlock()
	if cb != nil {
		cb(kind, compound)
	}
}
