package rtpsession

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// CreateOffer builds an SDP offer describing every local track, per
// spec.md §4.2. connAddr is the host this session is reachable at; a
// media section's port comes from that kind's channel once allocated.
func (s *Session) CreateOffer(connAddr string) (*sdp.SessionDescription, error) {
	s.mu.RLock()
	localAudio := s.tracks[trackKey{kind: KindAudio, isRemote: false}]
	localVideo := s.tracks[trackKey{kind: KindVideo, isRemote: false}]
	s.mu.RUnlock()

	if localAudio == nil && localVideo == nil {
		return nil, newError(ErrNoLocalTracks, "no local tracks to offer")
	}

	desc := s.newSessionDescription(connAddr)

	for _, track := range []*Track{localAudio, localVideo} {
		if track == nil {
			continue
		}
		mediaDesc, err := s.buildMediaDescription(track, connAddr)
		if err != nil {
			return nil, err
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, mediaDesc)
	}

	return desc, nil
}

// CreateAnswer builds an SDP answer against the remote description
// already installed by SetRemoteDescription. Each answered media section
// lists every capability of the matching local track (after
// SetRemoteDescription, the RFC 3264 §6.1 intersection) in local priority
// order; a section with no local track of its kind is rejected with port 0.
func (s *Session) CreateAnswer(connAddr string) (*sdp.SessionDescription, error) {
	s.mu.RLock()
	remote := s.remoteDescription
	s.mu.RUnlock()
	if remote == nil {
		return nil, newError(ErrNoRemoteDescription, "no remote description set")
	}

	desc := s.newSessionDescription(connAddr)

	for _, remoteMedia := range remote.MediaDescriptions {
		kind, ok := mediaKindFromSDP(remoteMedia.MediaName.Media)
		if !ok {
			continue
		}

		track := s.localTrack(kind)
		if track == nil {
			mediaDesc := rejectedMediaDescription(remoteMedia)
			desc.MediaDescriptions = append(desc.MediaDescriptions, mediaDesc)
			continue
		}

		mediaDesc, err := s.buildMediaDescription(track, connAddr)
		if err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.negotiations.WithLabelValues("rejected").Inc()
			}
			return nil, err
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, mediaDesc)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.negotiations.WithLabelValues("answered").Inc()
	}
	return desc, nil
}

// SetRemoteDescription installs the remote SDP, intersects each media
// section's formats against the matching local track's capability list
// per RFC 3264 §6.1 (ErrAudioIncompatible / ErrVideoIncompatible on
// failure), derives the RTP/RTCP destination addresses, applies the
// remote's direction attribute to the local track's StreamStatus, and
// records the negotiated telephone-event payload type.
func (s *Session) SetRemoteDescription(remote *sdp.SessionDescription) error {
	if remote == nil {
		return newError(ErrNoRemoteDescription, "remote description must not be nil")
	}

	for _, mediaDesc := range remote.MediaDescriptions {
		kind, ok := mediaKindFromSDP(mediaDesc.MediaName.Media)
		if !ok {
			continue
		}

		track := s.localTrack(kind)
		if track == nil {
			continue
		}

		remoteCaps, dtmfPT := parseMediaCapabilities(mediaDesc)
		matched := intersectCapabilities(track.Capabilities(), remoteCaps)
		if len(matched) == 0 {
			errCode := ErrAudioIncompatible
			if kind == KindVideo {
				errCode = ErrVideoIncompatible
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.negotiations.WithLabelValues("incompatible").Inc()
			}
			return newKindError(errCode, kind, "no mutually supported format")
		}
		track.SetCapabilities(matched)

		direction := parseRemoteDirection(mediaDesc)
		track.SetStatus(invertDirection(direction))

		if dtmfPT != 0 {
			s.mu.Lock()
			s.remoteDTMFPayloadID = dtmfPT
			s.mu.Unlock()
		}

		if mediaDesc.MediaName.Port.Value != 0 {
			rtpAddr, controlAddr := s.resolveRemoteAddresses(remote, mediaDesc)
			s.mu.Lock()
			if rtpAddr != nil {
				s.destRTP[kind] = rtpAddr
			}
			if controlAddr != nil {
				s.destControl[kind] = controlAddr
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.remoteDescription = remote
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.negotiations.WithLabelValues("accepted").Inc()
	}
	return nil
}

func (s *Session) newSessionDescription(connAddr string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: connAddr,
		},
		SessionName: sdp.SessionName("-"),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: connAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}
}

// buildMediaDescription emits a media section for track, rejecting with
// port 0 if its channel has not been allocated yet (spec.md §9's second
// open question: graceful rejection, never a panic).
func (s *Session) buildMediaDescription(track *Track, connAddr string) (*sdp.MediaDescription, error) {
	ch := s.channelFor(track.Kind)
	port := 0
	if ch != nil {
		port = ch.RTPPort()
	}

	caps := track.Capabilities()
	formats := make([]string, 0, len(caps))
	var attrs []sdp.Attribute
	for _, c := range caps {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		rtpmap := fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
		attrs = append(attrs, sdp.NewAttribute("rtpmap", rtpmap))
		if c.Params != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.PayloadType, c.Params)))
		}
	}
	attrs = append(attrs, directionAttribute(track.Status()))

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   track.Kind.String(),
			Port:    sdp.RangedPort{Value: port},
			Protos:  strings.Split(SDPMediaProfile, "/"),
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: connAddr},
		},
		Attributes: attrs,
	}, nil
}

func rejectedMediaDescription(remote *sdp.MediaDescription) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   remote.MediaName.Media,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  remote.MediaName.Protos,
			Formats: remote.MediaName.Formats,
		},
	}
}

func mediaKindFromSDP(media string) (MediaKind, bool) {
	switch media {
	case "audio":
		return KindAudio, true
	case "video":
		return KindVideo, true
	default:
		return 0, false
	}
}

func directionAttribute(status StreamStatus) sdp.Attribute {
	return sdp.NewPropertyAttribute(status.String())
}

// parseRemoteDirection reads the remote's own a=sendonly/recvonly/etc
// attribute, defaulting to sendrecv per RFC 4566 §6.
func parseRemoteDirection(mediaDesc *sdp.MediaDescription) StreamStatus {
	for _, attr := range mediaDesc.Attributes {
		switch attr.Key {
		case "sendonly":
			return StatusSendOnly
		case "recvonly":
			return StatusRecvOnly
		case "inactive":
			return StatusInactive
		case "sendrecv":
			return StatusSendRecv
		}
	}
	return StatusSendRecv
}

// invertDirection maps the remote's advertised direction onto the local
// track's complementary direction, per spec.md §9's first open question
// (direction is scoped per track, not per session).
func invertDirection(remote StreamStatus) StreamStatus {
	switch remote {
	case StatusSendOnly:
		return StatusRecvOnly
	case StatusRecvOnly:
		return StatusSendOnly
	case StatusInactive:
		return StatusInactive
	default:
		return StatusSendRecv
	}
}

// parseMediaCapabilities extracts the offered/answered Capability list and
// any telephone-event payload type from a media section's rtpmap/fmtp
// attributes, mirroring media_sdp's handler.
func parseMediaCapabilities(mediaDesc *sdp.MediaDescription) ([]Capability, uint8) {
	rtpmaps := make(map[int]string)
	fmtps := make(map[int]string)
	for _, attr := range mediaDesc.Attributes {
		switch attr.Key {
		case "rtpmap":
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) != 2 {
				continue
			}
			if pt, err := strconv.Atoi(parts[0]); err == nil {
				rtpmaps[pt] = parts[1]
			}
		case "fmtp":
			parts := strings.SplitN(attr.Value, " ", 2)
			if len(parts) != 2 {
				continue
			}
			if pt, err := strconv.Atoi(parts[0]); err == nil {
				fmtps[pt] = parts[1]
			}
		}
	}

	var caps []Capability
	var dtmfPT uint8

	for _, format := range mediaDesc.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}

		name, clockRate := "", uint32(0)
		if rtpmap, ok := rtpmaps[pt]; ok {
			nameParts := strings.SplitN(rtpmap, "/", 2)
			name = nameParts[0]
			if len(nameParts) == 2 {
				if cr, err := strconv.Atoi(strings.SplitN(nameParts[1], "/", 2)[0]); err == nil {
					clockRate = uint32(cr)
				}
			}
		}

		capability := Capability{PayloadType: uint8(pt), Name: name, ClockRate: clockRate, Params: fmtps[pt]}
		if capability.IsTelephoneEvent() {
			dtmfPT = uint8(pt)
		}
		caps = append(caps, capability)
	}

	return caps, dtmfPT
}

// intersectCapabilities implements the RFC 3264 §6.1 intersection rule,
// preserving the local list's preference order and excluding
// telephone-event (negotiated separately as remoteDTMFPayloadID).
func intersectCapabilities(local, remote []Capability) []Capability {
	var matched []Capability
	for _, l := range local {
		if l.IsTelephoneEvent() {
			continue
		}
		for _, r := range remote {
			if l.Matches(r) {
				matched = append(matched, l)
				break
			}
		}
	}
	return matched
}

// resolveRemoteAddresses derives the RTP endpoint from the media
// section's own connection info (falling back to the session level) and
// its port, and the RTCP control endpoint as port+1 unless this session
// multiplexes RTCP onto the RTP socket.
func (s *Session) resolveRemoteAddresses(remote *sdp.SessionDescription, mediaDesc *sdp.MediaDescription) (rtpAddr, controlAddr net.Addr) {
	conn := mediaDesc.ConnectionInformation
	if conn == nil {
		conn = remote.ConnectionInformation
	}
	if conn == nil {
		return nil, nil
	}

	host := conn.Address.Address
	port := mediaDesc.MediaName.Port.Value

	rtpAddr = &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if !s.isRTCPMuxed {
		controlAddr = &net.UDPAddr{IP: net.ParseIP(host), Port: port + 1}
	}
	return rtpAddr, controlAddr
}
