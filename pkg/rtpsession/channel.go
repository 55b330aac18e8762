package rtpsession

import (
	"net"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// SocketKind selects which of a Channel's one or two UDP sockets a Send
// targets.
type SocketKind int

const (
	SocketRTP SocketKind = iota
	SocketControl
)

// Channel is the external RtpChannel collaborator named in spec.md §6: one
// or two UDP sockets (RTP, optionally RTCP control) delivering datagrams to
// a single registered callback per socket, on a single delivery thread per
// channel (spec.md §5). The rtpchannel package provides the default
// net.UDPConn-backed implementation.
type Channel interface {
	// Send transmits data over the given socket to dest. Implementations
	// must not block while holding any session-wide lock on the caller's
	// side; a non-blocking send is preferred.
	Send(socket SocketKind, dest net.Addr, data []byte) error

	// RTPPort returns the locally bound RTP socket's port, used when
	// building SDP media sections.
	RTPPort() int

	// Close tears down both sockets and fires OnClosed. Idempotent.
	Close(reason error) error

	OnRTPReceived(func(local, remote net.Addr, data []byte))
	OnControlReceived(func(local, remote net.Addr, data []byte))
	OnClosed(func(reason error))
}

// RTCPReporter is the external RtcpSession collaborator named in spec.md
// §6: a per-media reporting engine that records sent/received RTP packets
// and periodically emits compound RTCP reports. The rtcpsession package
// provides the default timer-driven implementation.
type RTCPReporter interface {
	Start() error
	Close(reason error) error

	RecordSent(pkt *rtp.Packet)
	RecordReceived(pkt *rtp.Packet)

	// OnReportReady registers the callback invoked whenever this reporter
	// has assembled a compound report to send; the session is responsible
	// for transmitting it over the right channel (spec.md §6).
	OnReportReady(func(compound []rtcp.Packet))
	OnTimeout(func())

	LastActivity() time.Time

	// SetSSRC is mutable per spec.md §6; the session sets it from the
	// corresponding local track at AddTrack time.
	SetSSRC(ssrc uint32)
}

// ChannelFactory constructs the Channel for a media kind. muxed indicates
// whether this channel must also carry the other media kind's RTP traffic
// (is_media_muxed).
type ChannelFactory func(kind MediaKind, muxed bool) (Channel, error)

// ReporterFactory constructs the RTCPReporter for a media kind.
type ReporterFactory func(kind MediaKind, ssrc uint32) (RTCPReporter, error)
