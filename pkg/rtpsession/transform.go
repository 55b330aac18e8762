package rtpsession

// Transform is the pluggable SRTP/SRTCP packet-protect/unprotect function
// named in spec.md §2: it mutates buf in place, treating the first length
// bytes as the declared payload and the remaining capacity as room for
// in-place expansion (the SRTP auth tag), and returns the new length.
// A nonzero error return means the packet must be dropped; it must never
// panic on malformed input.
//
// Session holds up to four of these (RTP encrypt/decrypt, RTCP
// encrypt/decrypt); see the srtptransform package for the default
// pion/srtp-backed implementation, and SetSecurityContext for installing
// one.
type Transform func(buf []byte, length int) (int, error)

// SecureTransforms bundles the four independent transforms named in
// spec.md §2.1.
type SecureTransforms struct {
	ProtectRTP    Transform
	UnprotectRTP  Transform
	ProtectRTCP   Transform
	UnprotectRTCP Transform
}
