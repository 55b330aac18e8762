// Package rtpsession implements the coordinating half of an RTP/RTCP media
// session according to RFC 3550 and the SDP offer/answer model of RFC 3264.
//
// A Session owns up to four Tracks (local/remote audio, local/remote video),
// negotiates SDP offers and answers, demultiplexes inbound RTP/RTCP
// datagrams to the correct track, fragments outbound media into wire-sized
// RTP packets per codec, and drives RFC 2833 telephony-event (DTMF) bursts.
//
// The on-wire UDP socket layer (Channel, implemented by
// rtpchannel.UDPChannel) and the periodic RTCP
// reporting engine (rtcpsession.Reporter) are separate collaborators; this
// package only defines the interfaces it consumes from them. SRTP/SRTCP
// protection is likewise pluggable through the Transform type, with a
// pion/srtp-backed default.
package rtpsession
