package rtpsession

// Wire constants fixed by spec.md §6.
const (
	// RTPMaxPayload is the largest payload (after any codec header, before
	// SRTP expansion) carried by a single outbound RTP packet.
	RTPMaxPayload = 1400

	// SRTPMaxPrefixLength is the extra capacity reserved at the end of an
	// outbound packet buffer for in-place SRTP trailer expansion.
	SRTPMaxPrefixLength = 148

	// H264RTPHeaderLength is the size of the FU-A indicator + header byte
	// pair prepended to each H.264 fragment.
	H264RTPHeaderLength = 2

	// RTPEventDefaultSamplePeriodMS is the RFC 2833 telephony-event
	// packet spacing used by the DTMF burst protocol.
	RTPEventDefaultSamplePeriodMS = 50

	// DefaultDTMFPayloadID is used until a remote SDP names another.
	DefaultDTMFPayloadID = 101

	// DefaultAudioClockRate is assumed for audio capabilities that do not
	// name one explicitly.
	DefaultAudioClockRate = 8000

	// DTMFDuplicateCount is the number of duplicated start/end packets
	// sent for each DTMF burst edge, per RFC 2833 §3.6.
	DTMFDuplicateCount = 3

	// SDPMediaProfile is the SDP transport profile string for all media
	// sections this package emits.
	SDPMediaProfile = "RTP/AVP"

	// minRTPHeaderLength is the smallest possible RTP header, used by the
	// demultiplexer's version/range guard (spec.md §4.3 step 1).
	minRTPHeaderLength = 12
)

// rtcpSenderReportPT and rtcpReceiverReportPT are the RTCP packet types
// spec.md §4.3 step 3 uses as a one-byte classification look-ahead.
const (
	rtcpSenderReportPT   = 0xC8
	rtcpReceiverReportPT = 0xC9
)
