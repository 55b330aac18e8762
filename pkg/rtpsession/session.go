package rtpsession

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
)

// lifecycle states and events for the session-level state machine, driven
// by github.com/looplab/fsm the same way the teacher drives its dialog
// state machines (pkg/dialog/dialog.go's initStateMachine).
const (
	lifecycleIdle    = "idle"
	lifecycleStarted = "started"
	lifecycleClosed  = "closed"
	eventStart       = "start"
	eventClose       = "close"
)

// Config configures a new Session. NewChannel and NewReporter must be
// supplied; RandSource, Logger and Metrics have defaults. A nil Metrics
// selects one process-wide instance, registered on the default Prometheus
// registry the first time it is needed and shared by every such Session.
type Config struct {
	// IsMediaMuxed collapses RTP for audio and video onto one socket pair.
	IsMediaMuxed bool
	// IsRTCPMuxed collapses RTCP onto the same socket as RTP.
	IsRTCPMuxed bool
	// IsSecure gates all I/O behind SRTP/SRTCP transforms until
	// SetSecurityContext installs them.
	IsSecure bool

	// NewChannel constructs the RtpChannel collaborator for a media kind.
	// There is no default; rtpchannel.NewFactory provides a UDP-backed one.
	NewChannel ChannelFactory
	// NewReporter constructs the RtcpSession collaborator for a media kind.
	NewReporter ReporterFactory

	RandSource RandSource
	Logger     *slog.Logger
	Metrics    *Metrics
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

func (c *Config) setDefaults() {
	if c.RandSource == nil {
		c.RandSource = DefaultRandSource
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		defaultMetricsOnce.Do(func() { defaultMetrics = NewMetrics() })
		c.Metrics = defaultMetrics
	}
}

// trackKey identifies one of the at-most-four tracks a Session may hold.
type trackKey struct {
	kind     MediaKind
	isRemote bool
}

// Session is the coordinator described in spec.md §2 and §3: it owns
// tracks, channels, RTCP reporters, negotiation state, and drives
// demultiplexing, fragmentation and DTMF.
type Session struct {
	cfg Config

	lifecycle *fsm.FSM
	isClosed  atomic.Bool

	isMediaMuxed bool
	isRTCPMuxed  bool
	isSecure     bool
	secureReady  atomic.Bool

	mu     sync.RWMutex
	tracks map[trackKey]*Track

	channels map[MediaKind]Channel
	rtcp     map[MediaKind]RTCPReporter

	destRTP     map[MediaKind]net.Addr
	destControl map[MediaKind]net.Addr

	remoteDescription   *sdp.SessionDescription
	remoteDTMFPayloadID uint8

	lastSentTimestamp  uint32
	rtpEventInProgress atomic.Bool

	transforms SecureTransforms

	onRTPPacketReceived func(MediaKind, *RTPPacket)
	onRTPEvent          func(DTMFEvent, TelephonyEventHeader)
	onRTCPBye           func(reason string)
	onTimeout           func(MediaKind)
	onReceiveReport     func(MediaKind, []rtcp.Packet)
	onSendReport        func(MediaKind, []rtcp.Packet)
	onClosed            func(reason error)

	cbMu sync.RWMutex
}

// New constructs an open-but-not-started Session per spec.md §3's
// lifecycle note. No tracks exist yet.
func New(cfg Config) *Session {
	cfg.setDefaults()

	s := &Session{
		cfg:                 cfg,
		isMediaMuxed:        cfg.IsMediaMuxed,
		isRTCPMuxed:         cfg.IsRTCPMuxed,
		isSecure:            cfg.IsSecure,
		tracks:              make(map[trackKey]*Track),
		channels:            make(map[MediaKind]Channel),
		rtcp:                make(map[MediaKind]RTCPReporter),
		destRTP:             make(map[MediaKind]net.Addr),
		destControl:         make(map[MediaKind]net.Addr),
		remoteDTMFPayloadID: DefaultDTMFPayloadID,
	}

	s.lifecycle = fsm.NewFSM(
		lifecycleIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{lifecycleIdle}, Dst: lifecycleStarted},
			{Name: eventClose, Src: []string{lifecycleIdle, lifecycleStarted}, Dst: lifecycleClosed},
		},
		fsm.Callbacks{},
	)

	return s
}

func (s *Session) logger() *slog.Logger { return s.cfg.Logger }

// IsStarted reports whether Start has completed successfully.
func (s *Session) IsStarted() bool { return s.lifecycle.Is(lifecycleStarted) }

// IsClosed reports whether Close has completed. Monotonic: never reverts.
func (s *Session) IsClosed() bool { return s.isClosed.Load() }

// IsSecure reports whether this session requires SRTP/SRTCP transforms
// before any I/O is permitted.
func (s *Session) IsSecure() bool { return s.isSecure }

// SecureContextReady reports whether SetSecurityContext has been called.
func (s *Session) SecureContextReady() bool { return s.secureReady.Load() }

// SetSecurityContext installs the SRTP/SRTCP transforms. Monotonic
// false-to-true per spec.md §3; calling it again replaces the transforms
// without affecting readiness.
func (s *Session) SetSecurityContext(t SecureTransforms) {
	s.mu.Lock()
	s.transforms = t
	s.mu.Unlock()
	s.secureReady.Store(true)
}

// channelFactory returns the configured factory, if any. Session has no
// built-in default: the concrete transport (rtpchannel.New, or a test
// double) is always supplied by the embedder through Config.
func (s *Session) channelFactory() ChannelFactory {
	return s.cfg.NewChannel
}

func (s *Session) reporterFactory() ReporterFactory {
	return s.cfg.NewReporter
}

// AddTrack implements spec.md §4.1's add_track contract: it allocates the
// channel and RtcpSession for the track's kind if absent, rejects a
// duplicate same-kind same-locality track, and registers the track.
func (s *Session) AddTrack(t *Track) error {
	if t == nil {
		return newError(ErrDuplicateTrack, "track must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackKey{kind: t.Kind, isRemote: t.IsRemote}
	if _, exists := s.tracks[key]; exists {
		return newKindError(ErrDuplicateTrack, t.Kind,
			fmt.Sprintf("a %s track already exists for this locality", t.Kind))
	}

	channelKind := t.Kind
	if s.isMediaMuxed {
		channelKind = KindAudio
	}
	if _, ok := s.channels[channelKind]; !ok {
		factory := s.channelFactory()
		if factory == nil {
			return newError(ErrTransportSend, "no channel factory configured")
		}
		ch, err := factory(channelKind, s.isMediaMuxed)
		if err != nil {
			return wrapError(ErrTransportSend, "failed to allocate channel", err)
		}
		s.wireChannel(ch, channelKind)
		s.channels[channelKind] = ch
	}

	if _, ok := s.rtcp[t.Kind]; !ok {
		factory := s.reporterFactory()
		if factory == nil {
			return newError(ErrTransportSend, "no RTCP reporter factory configured")
		}
		rep, err := factory(t.Kind, t.SSRC())
		if err != nil {
			return wrapError(ErrTransportSend, "failed to allocate RTCP reporter", err)
		}
		s.wireReporter(rep, t.Kind)
		s.rtcp[t.Kind] = rep
	} else if !t.IsRemote {
		s.rtcp[t.Kind].SetSSRC(t.SSRC())
	}

	s.tracks[key] = t
	return nil
}

// track returns the track for (kind, isRemote), or nil.
func (s *Session) track(kind MediaKind, isRemote bool) *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks[trackKey{kind: kind, isRemote: isRemote}]
}

func (s *Session) localTrack(kind MediaKind) *Track  { return s.track(kind, false) }
func (s *Session) remoteTrack(kind MediaKind) *Track { return s.track(kind, true) }

// channelFor returns the channel carrying RTP for kind, accounting for
// media multiplexing.
func (s *Session) channelFor(kind MediaKind) Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isMediaMuxed {
		return s.channels[KindAudio]
	}
	return s.channels[kind]
}

// Start begins RTCP reporting for every configured media kind. Per
// spec.md §3, a session may only be started once.
func (s *Session) Start() error {
	if err := s.lifecycle.Event(context.Background(), eventStart); err != nil {
		return wrapError(ErrSessionClosed, "session cannot be started from its current state", err)
	}

	s.mu.RLock()
	reporters := make([]RTCPReporter, 0, len(s.rtcp))
	for _, r := range s.rtcp {
		reporters = append(reporters, r)
	}
	s.mu.RUnlock()

	for _, r := range reporters {
		if err := r.Start(); err != nil {
			return wrapError(ErrTransportSend, "failed to start RTCP reporter", err)
		}
	}
	return nil
}

// Close tears down RTCP reporters, unsubscribes channel callbacks, closes
// channels and fires onClosed. Idempotent and safe to call concurrently
// with any other operation, per spec.md §5.
func (s *Session) Close(reason error) error {
	if s.isClosed.Swap(true) {
		return nil
	}
	_ = s.lifecycle.Event(context.Background(), eventClose)

	s.mu.RLock()
	reporters := make([]RTCPReporter, 0, len(s.rtcp))
	for _, r := range s.rtcp {
		reporters = append(reporters, r)
	}
	channels := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	s.mu.RUnlock()

	for _, r := range reporters {
		_ = r.Close(reason)
	}
	for _, c := range channels {
		c.OnRTPReceived(nil)
		c.OnControlReceived(nil)
		_ = c.Close(reason)
	}

	s.cbMu.RLock()
	onClosed := s.onClosed
	s.cbMu.RUnlock()
	if onClosed != nil {
		onClosed(reason)
	}
	return nil
}

// --- event subscription -----------------------------------------------

func (s *Session) OnRTPPacketReceived(f func(MediaKind, *RTPPacket)) {
	s.cbMu.Lock()
	s.onRTPPacketReceived = f
	s.cbMu.Unlock()
}

func (s *Session) OnRTPEvent(f func(DTMFEvent, TelephonyEventHeader)) {
	s.cbMu.Lock()
	s.onRTPEvent = f
	s.cbMu.Unlock()
}

func (s *Session) OnRTCPBye(f func(reason string)) {
	s.cbMu.Lock()
	s.onRTCPBye = f
	s.cbMu.Unlock()
}

func (s *Session) OnTimeout(f func(MediaKind)) {
	s.cbMu.Lock()
	s.onTimeout = f
	s.cbMu.Unlock()
}

func (s *Session) OnReceiveReport(f func(MediaKind, []rtcp.Packet)) {
	s.cbMu.Lock()
	s.onReceiveReport = f
	s.cbMu.Unlock()
}

func (s *Session) OnSendReport(f func(MediaKind, []rtcp.Packet)) {
	s.cbMu.Lock()
	s.onSendReport = f
	s.cbMu.Unlock()
}

func (s *Session) OnClosed(f func(reason error)) {
	s.cbMu.Lock()
	s.onClosed = f
	s.cbMu.Unlock()
}
