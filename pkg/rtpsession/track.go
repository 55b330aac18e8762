package rtpsession

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MediaKind identifies the two media types this package negotiates.
type MediaKind int

const (
	KindAudio MediaKind = iota
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// StreamStatus mirrors the SDP a=sendrecv/sendonly/recvonly/inactive
// direction attributes, scoped per track rather than per session — see
// spec.md §9's first open question.
type StreamStatus int

const (
	StatusSendRecv StreamStatus = iota
	StatusSendOnly
	StatusRecvOnly
	StatusInactive
)

func (s StreamStatus) String() string {
	switch s {
	case StatusSendRecv:
		return "sendrecv"
	case StatusSendOnly:
		return "sendonly"
	case StatusRecvOnly:
		return "recvonly"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend reports whether media may be transmitted while in this status.
func (s StreamStatus) CanSend() bool {
	return s == StatusSendRecv || s == StatusSendOnly
}

// CanReceive reports whether media may be accepted while in this status.
func (s StreamStatus) CanReceive() bool {
	return s == StatusSendRecv || s == StatusRecvOnly
}

// Capability describes one negotiable media format: a static or dynamic
// RTP payload type together with the codec name, clock rate and any
// format parameters (SDP fmtp). Capability lists are ordered by
// preference, most preferred first.
type Capability struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Params      string
}

// Matches implements the RFC 3264 §6.1 format-matching rule: static
// payload types match by number alone, dynamic payload types (>= 96) match
// by name, clock rate and parameters.
func (c Capability) Matches(other Capability) bool {
	if c.PayloadType < 96 && other.PayloadType < 96 {
		return c.PayloadType == other.PayloadType
	}
	return equalFoldASCII(c.Name, other.Name) && c.ClockRate == other.ClockRate && c.Params == other.Params
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// IsTelephoneEvent reports whether this capability names the RFC 4733
// "telephone-event" format.
func (c Capability) IsTelephoneEvent() bool {
	return equalFoldASCII(c.Name, "telephone-event")
}

// Track is the per-stream send/receive handle described in spec.md §3.
// Local tracks carry a randomly chosen SSRC and sequence number from
// construction; remote tracks start with SSRC 0, learned from the first
// inbound RTP packet or RTCP report (§4.3, §4.4).
type Track struct {
	mu sync.RWMutex

	Kind     MediaKind
	IsRemote bool
	MediaID  string

	ssrc      uint32
	seqNum    uint16
	timestamp uint32

	capabilities []Capability
	status       StreamStatus
}

// RandSource is the dependency-injected entropy source behind SSRC and
// sequence-number generation, per spec.md §9's design note on making
// randomness deterministic for tests.
type RandSource interface {
	Uint32() uint32
	Uint16() uint16
}

type cryptoRandSource struct{}

func (cryptoRandSource) Uint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (cryptoRandSource) Uint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// DefaultRandSource is the crypto/rand-backed source used when a Session
// is not configured with an explicit one.
var DefaultRandSource RandSource = cryptoRandSource{}

// NewLocalTrack creates a local (outbound) track with a randomly chosen
// SSRC in [0, 2^31) and a randomly chosen initial sequence number, per
// spec.md §3's invariant that a local track's SSRC is nonzero post
// construction.
func NewLocalTrack(kind MediaKind, caps []Capability, src RandSource) *Track {
	if src == nil {
		src = DefaultRandSource
	}
	return &Track{
		Kind:         kind,
		IsRemote:     false,
		ssrc:         src.Uint32() & 0x7fffffff,
		seqNum:       src.Uint16(),
		timestamp:    src.Uint32(),
		capabilities: append([]Capability(nil), caps...),
		status:       StatusSendRecv,
	}
}

// NewRemoteTrack creates a remote (inbound) track whose SSRC is unknown
// until learned from the wire, per spec.md §3.
func NewRemoteTrack(kind MediaKind, caps []Capability) *Track {
	return &Track{
		Kind:         kind,
		IsRemote:     true,
		ssrc:         0,
		capabilities: append([]Capability(nil), caps...),
		status:       StatusSendRecv,
	}
}

// SSRC returns the track's current synchronization source identifier.
func (t *Track) SSRC() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ssrc
}

// LearnSSRC sets a remote track's SSRC the first time it is observed on
// the wire. Subsequent calls are no-ops, matching the "exactly once"
// learning behavior required by spec.md §4.3 and §5.
func (t *Track) LearnSSRC(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ssrc == 0 {
		t.ssrc = ssrc
	}
}

// SeqNum returns the next sequence number to be used, without consuming it.
func (t *Track) SeqNum() uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seqNum
}

// NextSeqNum returns the next sequence number and advances the counter by
// one, wrapping modulo 2^16 as required by spec.md §8 property 2.
func (t *Track) NextSeqNum() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.seqNum
	t.seqNum++
	return seq
}

// Timestamp returns the track's current RTP timestamp.
func (t *Track) Timestamp() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timestamp
}

// AdvanceTimestamp advances the track's timestamp by delta (modulo 2^32),
// per spec.md §8 property 3. It must be called exactly once per completed
// send_*_frame call, regardless of fragment count.
func (t *Track) AdvanceTimestamp(delta uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timestamp += delta
}

// Capabilities returns a copy of the track's negotiated/offered format
// list, ordered by priority (most preferred first).
func (t *Track) Capabilities() []Capability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Capability(nil), t.capabilities...)
}

// SetCapabilities replaces the track's format list.
func (t *Track) SetCapabilities(caps []Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capabilities = append([]Capability(nil), caps...)
}

// SendingFormat returns the first (most preferred) capability, which is
// the format used for outbound fragmentation. ok is false if the track
// has no negotiated formats at all (MissingSendingFormat, spec.md §7).
func (t *Track) SendingFormat() (Capability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.capabilities) == 0 {
		return Capability{}, false
	}
	return t.capabilities[0], true
}

// HasPayloadType reports whether the track's capability list contains the
// given RTP payload type, used by media-muxed demultiplexing (spec.md §4.3).
func (t *Track) HasPayloadType(pt uint8) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.capabilities {
		if c.PayloadType == pt {
			return true
		}
	}
	return false
}

// Status returns the track's current stream direction.
func (t *Track) Status() StreamStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus sets the track's stream direction.
func (t *Track) SetStatus(s StreamStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}
