// Package rtcpsession provides the default RtcpSession collaborator: a
// timer-driven compound-report generator following RFC 3550, built on
// github.com/pion/rtcp in place of a hand-rolled codec.
package rtcpsession

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/sendrecv/rtpsession/pkg/rtpsession"
)

// DefaultInterval is the compound-report spacing used when Config.Interval
// is zero, matching RFC 3550 §6.2's non-adaptive minimum for small
// sessions.
const DefaultInterval = 5 * time.Second

// inactivityTimeout is how long a reporter waits without any RecordSent or
// RecordReceived call before firing OnTimeout.
const inactivityTimeout = 30 * time.Second

// remoteSource tracks the reception statistics RFC 3550 §6.4.1 requires
// for building one ReceptionReport block.
type remoteSource struct {
	baseSeq       uint16
	haveBase      bool
	maxSeq        uint16
	cycles        uint32
	packetsLost   uint32
	packetsExpect uint32
	received      uint32

	transit     int64
	haveTransit bool
	jitter      float64

	lastSRNTP  uint32
	lastSRTime time.Time
}

// Reporter is the default rtpsession.RTCPReporter implementation.
type Reporter struct {
	ssrc atomic.Uint32

	mu            sync.Mutex
	sources       map[uint32]*remoteSource
	packetsSent   uint32
	octetsSent    uint32
	lastActivity  time.Time

	interval time.Duration

	onReportReady func(compound []rtcp.Packet)
	onTimeout     func()
	cbMu          sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool
}

// New constructs an idle Reporter for the given initial SSRC. Call Start
// to begin the periodic report loop.
func New(kind rtpsession.MediaKind, ssrc uint32) (*Reporter, error) {
	r := &Reporter{
		sources:  make(map[uint32]*remoteSource),
		interval: DefaultInterval,
	}
	r.ssrc.Store(ssrc)
	return r, nil
}

// NewFactory adapts New into a rtpsession.ReporterFactory.
func NewFactory() rtpsession.ReporterFactory {
	return func(kind rtpsession.MediaKind, ssrc uint32) (rtpsession.RTCPReporter, error) {
		return New(kind, ssrc)
	}
}

func (r *Reporter) SetSSRC(ssrc uint32) { r.ssrc.Store(ssrc) }

// Start begins the periodic compound-report and inactivity-timeout loop.
func (r *Reporter) Start() error {
	if r.active.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Close stops the report loop. Idempotent.
func (r *Reporter) Close(reason error) error {
	if !r.active.Swap(false) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	watchdog := time.NewTicker(inactivityTimeout / 3)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emitReport()
		case <-watchdog.C:
			r.checkTimeout()
		}
	}
}

func (r *Reporter) emitReport() {
	r.mu.Lock()
	blocks := r.receptionReports()
	sent := r.packetsSent
	octets := r.octetsSent
	ssrc := r.ssrc.Load()
	r.mu.Unlock()

	var compound []rtcp.Packet
	if sent > 0 {
		compound = append(compound, &rtcp.SenderReport{
			SSRC:        ssrc,
			NTPTime:     ntpNow(),
			PacketCount: sent,
			OctetCount:  octets,
			Reports:     blocks,
		})
	} else {
		compound = append(compound, &rtcp.ReceiverReport{
			SSRC:    ssrc,
			Reports: blocks,
		})
	}

	r.cbMu.RLock()
	cb := r.onReportReady
	r.cbMu.RUnlock()
	if cb != nil {
		cb(compound)
	}
}

func (r *Reporter) checkTimeout() {
	r.mu.Lock()
	idle := time.Since(r.lastActivity) > inactivityTimeout
	r.mu.Unlock()
	if !idle {
		return
	}
	r.cbMu.RLock()
	cb := r.onTimeout
	r.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (r *Reporter) receptionReports() []rtcp.ReceptionReport {
	reports := make([]rtcp.ReceptionReport, 0, len(r.sources))
	for ssrc, src := range r.sources {
		extHighest := src.cycles<<16 | uint32(src.maxSeq)

		var fraction uint8
		if src.packetsExpect > 0 {
			fraction = uint8(255 * src.packetsLost / src.packetsExpect)
		}

		var delaySinceSR uint32
		if !src.lastSRTime.IsZero() {
			delaySinceSR = uint32(time.Since(src.lastSRTime).Seconds() * 65536)
		}

		reports = append(reports, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          src.packetsLost,
			LastSequenceNumber: extHighest,
			Jitter:             uint32(src.jitter),
			LastSenderReport:   src.lastSRNTP,
			Delay:              delaySinceSR,
		})
	}
	return reports
}

// RecordSent updates the sender-side packet/octet counts used to choose
// between Sender Reports and Receiver Reports.
func (r *Reporter) RecordSent(pkt *rtp.Packet) {
	r.mu.Lock()
	r.packetsSent++
	r.octetsSent += uint32(len(pkt.Payload))
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// RecordReceived updates per-source reception statistics used to build
// ReceptionReport blocks, following the jitter estimator of RFC 3550
// Appendix A.8.
func (r *Reporter) RecordReceived(pkt *rtp.Packet) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = now

	src, ok := r.sources[pkt.SSRC]
	if !ok {
		src = &remoteSource{}
		r.sources[pkt.SSRC] = src
	}

	if !src.haveBase {
		src.baseSeq = pkt.SequenceNumber
		src.maxSeq = pkt.SequenceNumber
		src.haveBase = true
	} else if seqWrapped(src.maxSeq, pkt.SequenceNumber) {
		src.cycles++
	}
	if seqGreater(pkt.SequenceNumber, src.maxSeq) || !src.haveBase {
		src.maxSeq = pkt.SequenceNumber
	}

	src.received++
	extendedMax := int64(src.cycles)<<16 + int64(src.maxSeq)
	extendedBase := int64(src.baseSeq)
	expected := uint32(extendedMax - extendedBase + 1)
	if expected > src.received {
		src.packetsLost = expected - src.received
	}
	src.packetsExpect = expected

	arrival := int64(now.UnixNano() / 1000)
	transit := arrival - int64(pkt.Timestamp)
	if src.haveTransit {
		d := math.Abs(float64(transit - src.transit))
		src.jitter += (d - src.jitter) / 16
	}
	src.transit = transit
	src.haveTransit = true
}

func seqGreater(a, b uint16) bool { return int16(a-b) > 0 }
func seqWrapped(prevMax, seq uint16) bool {
	return int16(seq-prevMax) > 0 && seq < prevMax
}

// OnReportReady registers the callback invoked with each compound report.
func (r *Reporter) OnReportReady(f func(compound []rtcp.Packet)) {
	r.cbMu.Lock()
	r.onReportReady = f
	r.cbMu.Unlock()
}

// OnTimeout registers the callback invoked on sustained inactivity.
func (r *Reporter) OnTimeout(f func()) {
	r.cbMu.Lock()
	r.onTimeout = f
	r.cbMu.Unlock()
}

// LastActivity reports the time of the most recent RecordSent/RecordReceived.
func (r *Reporter) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// HandleIncoming feeds a received compound RTCP packet to this reporter,
// updating SR timing state used for delay-since-last-SR calculations.
func (r *Reporter) HandleIncoming(packets []rtcp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range packets {
		sr, ok := p.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		src, ok := r.sources[sr.SSRC]
		if !ok {
			src = &remoteSource{}
			r.sources[sr.SSRC] = src
		}
		src.lastSRNTP = uint32(sr.NTPTime >> 16)
		src.lastSRTime = time.Now()
	}
}

const ntpEpochOffset = 2208988800

func ntpNow() uint64 {
	now := time.Now()
	secs := uint64(now.Unix()) + ntpEpochOffset
	frac := uint64(now.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}

var _ rtpsession.RTCPReporter = (*Reporter)(nil)
