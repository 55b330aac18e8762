package srtptransform

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendrecv/rtpsession/pkg/rtpsession"
)

func testKeys(t *testing.T, profile srtp.ProtectionProfile) (key, salt []byte) {
	t.Helper()
	keyLen, err := profile.KeyLen()
	require.NoError(t, err)
	saltLen, err := profile.SaltLen()
	require.NoError(t, err)
	key = make([]byte, keyLen)
	salt = make([]byte, saltLen)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range salt {
		salt[i] = byte(i + 100)
	}
	return key, salt
}

func TestProtectUnprotectRTPRoundTrip(t *testing.T) {
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80
	keyA, saltA := testKeys(t, profile)
	keyB, saltB := testKeys(t, profile)
	keyB[0] ^= 0xFF // distinct remote key material

	sender, err := NewTransforms(keyA, saltA, keyB, saltB, profile)
	require.NoError(t, err)
	receiver, err := NewTransforms(keyB, saltB, keyA, saltA, profile)
	require.NoError(t, err)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1, Timestamp: 1000, SSRC: 42},
		Payload: []byte("plaintext-rtp-payload"),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	buf := make([]byte, len(raw), len(raw)+rtpsession.SRTPMaxPrefixLength)
	copy(buf, raw)
	buf = append(buf, make([]byte, rtpsession.SRTPMaxPrefixLength)...)

	n, err := sender.ProtectRTP(buf, len(raw))
	require.NoError(t, err)
	assert.Greater(t, n, len(raw), "SRTP protect must grow the packet by the auth tag")

	decrypted, err := receiver.UnprotectRTP(buf, n)
	require.NoError(t, err)

	out := &rtp.Packet{}
	require.NoError(t, out.Unmarshal(buf[:decrypted]))
	assert.Equal(t, pkt.Payload, out.Payload)
	assert.Equal(t, pkt.SSRC, out.SSRC)
}

func TestUnprotectRTPFailsWithWrongKey(t *testing.T) {
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80
	keyA, saltA := testKeys(t, profile)
	keyB, saltB := testKeys(t, profile)
	keyB[0] ^= 0xFF

	sender, err := NewTransforms(keyA, saltA, keyB, saltB, profile)
	require.NoError(t, err)
	wrongReceiver, err := NewTransforms(keyB, saltB, keyB, saltB, profile)
	require.NoError(t, err)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, SSRC: 7},
		Payload: []byte("data"),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	buf := make([]byte, len(raw), len(raw)+rtpsession.SRTPMaxPrefixLength)
	copy(buf, raw)
	buf = append(buf, make([]byte, rtpsession.SRTPMaxPrefixLength)...)
	n, err := sender.ProtectRTP(buf, len(raw))
	require.NoError(t, err)

	_, err = wrongReceiver.UnprotectRTP(buf, n)
	assert.Error(t, err, "unprotecting with the wrong key must fail authentication")
}
