package rtpsession

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory Channel double: Send records each datagram
// in sent, and deliverRTP/deliverControl feed a datagram into the
// registered receive callbacks, letting a test exercise the demultiplexer
// without a real socket.
type fakeChannel struct {
	mu        sync.Mutex
	sent      []sentPacket
	onRTP     func(local, remote net.Addr, data []byte)
	onControl func(local, remote net.Addr, data []byte)
	onClosed  func(reason error)
	port      int
	closed    bool
}

type sentPacket struct {
	socket SocketKind
	dest   net.Addr
	data   []byte
}

func newFakeChannel(port int) *fakeChannel { return &fakeChannel{port: port} }

func (c *fakeChannel) Send(socket SocketKind, dest net.Addr, data []byte) error {
	c.mu.Lock()
	buf := append([]byte(nil), data...)
	c.sent = append(c.sent, sentPacket{socket: socket, dest: dest, data: buf})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) RTPPort() int { return c.port }

func (c *fakeChannel) Close(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.onClosed != nil {
		c.onClosed(reason)
	}
	return nil
}

func (c *fakeChannel) OnRTPReceived(f func(local, remote net.Addr, data []byte))     { c.onRTP = f }
func (c *fakeChannel) OnControlReceived(f func(local, remote net.Addr, data []byte)) { c.onControl = f }
func (c *fakeChannel) OnClosed(f func(reason error))                                 { c.onClosed = f }

// deliverRTP simulates an inbound RTP datagram arriving from remote.
func (c *fakeChannel) deliverRTP(remote net.Addr, data []byte) {
	if c.onRTP != nil {
		c.onRTP(nil, remote, data)
	}
}

func (c *fakeChannel) deliverControl(remote net.Addr, data []byte) {
	if c.onControl != nil {
		c.onControl(nil, remote, data)
	}
}

func (c *fakeChannel) lastSent() (sentPacket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sentPacket{}, false
	}
	return c.sent[len(c.sent)-1], true
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeReporter is a minimal RTCPReporter double that records calls without
// emitting any report of its own, so tests can assert on what the session
// fed it.
type fakeReporter struct {
	mu       sync.Mutex
	ssrc     uint32
	sent     []*rtp.Packet
	received []*rtp.Packet
	started  bool
	closed   bool
}

func newFakeReporter(kind MediaKind, ssrc uint32) (RTCPReporter, error) {
	return &fakeReporter{ssrc: ssrc}, nil
}

func (r *fakeReporter) Start() error { r.started = true; return nil }
func (r *fakeReporter) Close(reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
func (r *fakeReporter) RecordSent(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, pkt)
}
func (r *fakeReporter) RecordReceived(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, pkt)
}
func (r *fakeReporter) OnReportReady(func(compound []rtcp.Packet)) {}
func (r *fakeReporter) OnTimeout(func())                           {}
func (r *fakeReporter) LastActivity() time.Time                    { return time.Now() }
func (r *fakeReporter) SetSSRC(ssrc uint32)                        { r.ssrc = ssrc }

func testConfig(ch *fakeChannel) Config {
	return Config{
		NewChannel: func(kind MediaKind, muxed bool) (Channel, error) {
			return ch, nil
		},
		NewReporter: newFakeReporter,
	}
}

var pcmu = Capability{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
var telephoneEvent = Capability{PayloadType: 101, Name: "telephone-event", ClockRate: 8000}

func newAudioSession(t *testing.T) (*Session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel(5000)
	s := New(testConfig(ch))
	local := NewLocalTrack(KindAudio, []Capability{pcmu, telephoneEvent}, nil)
	require.NoError(t, s.AddTrack(local))
	remote := NewRemoteTrack(KindAudio, []Capability{pcmu, telephoneEvent})
	require.NoError(t, s.AddTrack(remote))
	return s, ch
}

// setRemoteRTP installs an RTP destination for kind, as
// SetRemoteDescription would, so that sends have somewhere to go.
func setRemoteRTP(s *Session, kind MediaKind) {
	s.mu.Lock()
	s.destRTP[kind] = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6000}
	s.mu.Unlock()
}

// S1: two local tracks never share an SSRC.
func TestLocalTrackSSRCUniqueness(t *testing.T) {
	a := NewLocalTrack(KindAudio, []Capability{pcmu}, nil)
	v := NewLocalTrack(KindVideo, nil, nil)
	assert.NotZero(t, a.SSRC())
	assert.NotZero(t, v.SSRC())
	assert.NotEqual(t, a.SSRC(), v.SSRC())
}

// S2: sequence numbers advance monotonically (mod 2^16) with every send.
func TestSequenceNumberMonotonic(t *testing.T) {
	s, _ := newAudioSession(t)
	setRemoteRTP(s, KindAudio)
	track := s.localTrack(KindAudio)
	first := track.SeqNum()
	require.NoError(t, s.SendAudioFrame([]byte("hello"), 160))
	require.NoError(t, s.SendAudioFrame([]byte("world"), 160))
	assert.Equal(t, first+2, track.SeqNum())
}

// S3: AdvanceTimestamp is called exactly once per completed send, even
// across multiple fragments.
func TestTimestampAdvancesOncePerFrame(t *testing.T) {
	s, _ := newAudioSession(t)
	setRemoteRTP(s, KindAudio)
	track := s.localTrack(KindAudio)
	start := track.Timestamp()
	payload := make([]byte, RTPMaxPayload*3+17)
	require.NoError(t, s.SendAudioFrame(payload, 960))
	assert.Equal(t, start+960, track.Timestamp())
}

// S4: fragmentation never exceeds RTPMaxPayload on the wire.
func TestFragmentationBounds(t *testing.T) {
	s, ch := newAudioSession(t)
	setRemoteRTP(s, KindAudio)
	payload := make([]byte, RTPMaxPayload*5+1)
	require.NoError(t, s.SendAudioFrame(payload, 960))
	assert.Equal(t, 6, ch.sentCount())
}

// S5: the marker bit is set only on a video frame's final fragment.
func TestVP8MarkerOnLastFragmentOnly(t *testing.T) {
	ch := newFakeChannel(5002)
	s := New(testConfig(ch))
	local := NewLocalTrack(KindVideo, []Capability{{PayloadType: 96, Name: "VP8", ClockRate: 90000}}, nil)
	require.NoError(t, s.AddTrack(local))
	setRemoteRTP(s, KindVideo)

	payload := make([]byte, RTPMaxPayload*3)
	require.NoError(t, s.SendVideoFrameVP8(payload, 3000))
	require.Equal(t, 4, ch.sentCount())

	for i, sent := range ch.sent {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(sent.data))
		if i == len(ch.sent)-1 {
			assert.True(t, pkt.Marker, "last fragment must carry the marker bit")
		} else {
			assert.False(t, pkt.Marker, "non-final fragment must not carry the marker bit")
		}
	}
}

// H.264 single-NAL sends use the 0x1C/0x49 flag pair with the marker set,
// per the fixed single-packet convention.
func TestH264SingleFragmentUsesEndFlag(t *testing.T) {
	ch := newFakeChannel(5003)
	s := New(testConfig(ch))
	local := NewLocalTrack(KindVideo, []Capability{{PayloadType: 97, Name: "H264", ClockRate: 90000}}, nil)
	require.NoError(t, s.AddTrack(local))
	setRemoteRTP(s, KindVideo)

	nal := make([]byte, 10)
	require.NoError(t, s.SendVideoFrameH264(nal, 3000))
	require.Equal(t, 1, ch.sentCount())

	sent, ok := ch.lastSent()
	require.True(t, ok)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(sent.data))
	require.Len(t, pkt.Payload, 2+len(nal)-1)
	assert.Equal(t, byte(h264FUAIndicator), pkt.Payload[0])
	assert.Equal(t, byte(h264FUAEndHeader), pkt.Payload[1])
	assert.True(t, pkt.Marker)
}

func TestH264MultiFragmentFlagSequence(t *testing.T) {
	ch := newFakeChannel(5004)
	s := New(testConfig(ch))
	local := NewLocalTrack(KindVideo, []Capability{{PayloadType: 97, Name: "H264", ClockRate: 90000}}, nil)
	require.NoError(t, s.AddTrack(local))
	setRemoteRTP(s, KindVideo)

	nal := make([]byte, RTPMaxPayload*2+50)
	require.NoError(t, s.SendVideoFrameH264(nal, 3000))
	require.Equal(t, 3, ch.sentCount())

	flags := []byte{h264FUAStartHeader, h264FUAMidHeader, h264FUAEndHeader}
	for i, sent := range ch.sent {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(sent.data))
		assert.Equal(t, flags[i], pkt.Payload[1])
		assert.Equal(t, i == 2, pkt.Marker)
	}
}

// AddTrack rejects a second local track of the same kind.
func TestAddTrackRejectsDuplicate(t *testing.T) {
	ch := newFakeChannel(5005)
	s := New(testConfig(ch))
	local := NewLocalTrack(KindAudio, []Capability{pcmu}, nil)
	require.NoError(t, s.AddTrack(local))
	err := s.AddTrack(NewLocalTrack(KindAudio, []Capability{pcmu}, nil))
	require.Error(t, err)
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, ErrDuplicateTrack, sessErr.Code)
}

// Remote address learning is idempotent: only the first observed source
// address for a kind is recorded.
func TestRemoteAddressLearningIsIdempotent(t *testing.T) {
	s, ch := newAudioSession(t)

	remoteTrack := s.remoteTrack(KindAudio)
	addrA := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}
	addrB := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4000}

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pcmu.PayloadType, SequenceNumber: 1, SSRC: 555},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	ch.deliverRTP(addrA, raw)
	assert.Equal(t, uint32(555), remoteTrack.SSRC())

	s.mu.RLock()
	learned := s.destRTP[KindAudio]
	s.mu.RUnlock()
	assert.Equal(t, addrA, learned)

	ch.deliverRTP(addrB, raw)
	s.mu.RLock()
	stillLearned := s.destRTP[KindAudio]
	s.mu.RUnlock()
	assert.Equal(t, addrA, stillLearned, "address must not change after first observation")
}

// Inbound packets on the negotiated telephone-event payload type are
// routed to OnRTPEvent, not OnRTPPacketReceived.
func TestInboundDTMFExcludedFromMediaCallback(t *testing.T) {
	s, ch := newAudioSession(t)
	s.mu.Lock()
	s.remoteDTMFPayloadID = 101
	s.mu.Unlock()

	var gotMedia bool
	var gotEvent bool
	s.OnRTPPacketReceived(func(MediaKind, *RTPPacket) { gotMedia = true })
	s.OnRTPEvent(func(DTMFEvent, TelephonyEventHeader) { gotEvent = true })

	hdr := TelephonyEventHeader{Event: uint8(DTMF5), EndOfEvent: true, Duration: 800}
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: 9, SSRC: 42},
		Payload: encodeTelephonyEvent(hdr),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	ch.deliverRTP(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}, raw)

	assert.False(t, gotMedia, "telephone-event packets must not reach the media callback")
	assert.True(t, gotEvent, "telephone-event packets must reach OnRTPEvent")
}

// SendDTMFEvent emits 3 duplicated start packets, continuation packets
// while the event lasts (none for this 100 ms event at 8 kHz), and 3
// duplicated end-of-event packets, all sharing one frozen timestamp.
func TestSendDTMFEventBurstShape(t *testing.T) {
	s, ch := newAudioSession(t)
	setRemoteRTP(s, KindAudio)
	s.mu.Lock()
	s.remoteDTMFPayloadID = 101
	s.lastSentTimestamp = 1000
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.SendDTMFEvent(ctx, DTMFEvent{Digit: DTMF1, Duration: 100 * time.Millisecond})
	require.NoError(t, err)

	require.GreaterOrEqual(t, ch.sentCount(), 6)

	var timestamps []uint32
	var endCount int
	for _, sent := range ch.sent {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(sent.data))
		timestamps = append(timestamps, pkt.Timestamp)
		hdr, ok := decodeTelephonyEvent(pkt.Payload)
		require.True(t, ok)
		if hdr.EndOfEvent {
			endCount++
		}
	}
	for _, ts := range timestamps {
		assert.Equal(t, uint32(1000), ts, "all DTMF packets for one event share the frozen timestamp")
	}
	assert.Equal(t, DTMFDuplicateCount, endCount)
}

// A context cancelled before the burst starts stops it before any
// end-of-event packet is sent.
func TestSendDTMFEventCancellation(t *testing.T) {
	s, ch := newAudioSession(t)
	s.mu.Lock()
	s.remoteDTMFPayloadID = 101
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SendDTMFEvent(ctx, DTMFEvent{Digit: DTMF2, Duration: 500 * time.Millisecond})
	require.Error(t, err)
	assert.LessOrEqual(t, ch.sentCount(), DTMFDuplicateCount)
}

// Only one telephone event may be in flight per session.
func TestSendDTMFEventRejectsConcurrent(t *testing.T) {
	s, _ := newAudioSession(t)
	s.mu.Lock()
	s.remoteDTMFPayloadID = 101
	s.mu.Unlock()

	s.rtpEventInProgress.Store(true)
	defer s.rtpEventInProgress.Store(false)

	err := s.SendDTMFEvent(context.Background(), DTMFEvent{Digit: DTMF3, Duration: time.Second})
	require.Error(t, err)
}

// CreateOffer/SetRemoteDescription/CreateAnswer round-trips a compatible
// codec list and installs the negotiated capability on both sides.
func TestNegotiationRoundTrip(t *testing.T) {
	offerer, _ := newAudioSession(t)
	answerer, _ := newAudioSession(t)

	offer, err := offerer.CreateOffer("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, offer.MediaDescriptions, 1)

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, answer.MediaDescriptions, 1)
	assert.Equal(t, 5000, answer.MediaDescriptions[0].MediaName.Port.Value)

	require.NoError(t, offerer.SetRemoteDescription(answer))
	assert.NotEmpty(t, offerer.localTrack(KindAudio).Capabilities())
}

// SetRemoteDescription rejects an incompatible offer.
func TestNegotiationIncompatibleCodecs(t *testing.T) {
	offerer := New(testConfig(newFakeChannel(5010)))
	require.NoError(t, offerer.AddTrack(NewLocalTrack(KindAudio, []Capability{{PayloadType: 96, Name: "OPUS", ClockRate: 48000}}, nil)))

	answerer, _ := newAudioSession(t)
	offer, err := offerer.CreateOffer("127.0.0.1")
	require.NoError(t, err)

	err = answerer.SetRemoteDescription(offer)
	require.Error(t, err)
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, ErrAudioIncompatible, sessErr.Code)
}

// CreateAnswer rejects (port 0) a media section with no matching local
// track, rather than erroring or panicking.
func TestAnswerRejectsUnmatchedMediaSection(t *testing.T) {
	offerer := New(testConfig(newFakeChannel(5011)))
	require.NoError(t, offerer.AddTrack(NewLocalTrack(KindVideo, []Capability{{PayloadType: 96, Name: "VP8", ClockRate: 90000}}, nil)))
	offer, err := offerer.CreateOffer("127.0.0.1")
	require.NoError(t, err)

	answerer, _ := newAudioSession(t) // audio-only: no video track
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer("127.0.0.1")
	require.NoError(t, err)

	require.Len(t, answer.MediaDescriptions, 1)
	assert.Equal(t, 0, answer.MediaDescriptions[0].MediaName.Port.Value)
}

// Close is idempotent and fires onClosed exactly once.
func TestCloseIsIdempotent(t *testing.T) {
	s, ch := newAudioSession(t)
	var closedCount int
	s.OnClosed(func(error) { closedCount++ })

	require.NoError(t, s.Close(nil))
	require.NoError(t, s.Close(nil))
	assert.Equal(t, 1, closedCount)
	assert.True(t, s.IsClosed())
	assert.True(t, ch.closed)
}

// A send before SetSecurityContext on a secure session fails closed.
func TestSecureSessionRejectsSendBeforeContextReady(t *testing.T) {
	ch := newFakeChannel(5012)
	cfg := testConfig(ch)
	cfg.IsSecure = true
	s := New(cfg)
	require.NoError(t, s.AddTrack(NewLocalTrack(KindAudio, []Capability{pcmu}, nil)))

	err := s.SendAudioFrame([]byte("hi"), 160)
	require.Error(t, err)
	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, ErrSecureContextNotReady, sessErr.Code)
}

func TestCapabilityMatchesStaticAndDynamic(t *testing.T) {
	assert.True(t, Capability{PayloadType: 0}.Matches(Capability{PayloadType: 0, Name: "ignored"}))
	assert.False(t, Capability{PayloadType: 0}.Matches(Capability{PayloadType: 8}))

	opusA := Capability{PayloadType: 111, Name: "opus", ClockRate: 48000, Params: "stereo=1"}
	opusB := Capability{PayloadType: 96, Name: "OPUS", ClockRate: 48000, Params: "stereo=1"}
	assert.True(t, opusA.Matches(opusB))

	mismatched := Capability{PayloadType: 97, Name: "opus", ClockRate: 16000}
	assert.False(t, opusA.Matches(mismatched))
}
