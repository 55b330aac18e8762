// Package srtptransform provides the default SRTP/SRTCP implementation of
// rtpsession.Transform, backed by github.com/pion/srtp/v2, together with a
// DTLS-SRTP keying material helper built on github.com/pion/dtls/v2.
package srtptransform

import (
	"fmt"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"

	"github.com/sendrecv/rtpsession/pkg/rtpsession"
)

// KeyingMaterial holds the master key and salt derived for one direction
// of an SRTP session, in the layout srtp.Context expects.
type KeyingMaterial struct {
	Key  []byte
	Salt []byte
}

// ExportDTLSKeyingMaterial derives local/remote SRTP keying material from
// a completed DTLS-SRTP handshake, following RFC 5764 §4.2's label and the
// teacher's ExportKeyingMaterial helper.
func ExportDTLSKeyingMaterial(conn *dtls.Conn, profile srtp.ProtectionProfile, isClient bool) (localKey, localSalt, remoteKey, remoteSalt []byte, err error) {
	keyLen, err := profile.KeyLen()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("srtptransform: key length: %w", err)
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("srtptransform: salt length: %w", err)
	}

	state := conn.ConnectionState()
	material, err := state.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("srtptransform: export keying material: %w", err)
	}

	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	if isClient {
		return clientKey, clientSalt, serverKey, serverSalt, nil
	}
	return serverKey, serverSalt, clientKey, clientSalt, nil
}

// NewTransforms builds the four rtpsession.Transform functions for one
// session from a pair of SRTP contexts, one per direction. Encrypt and
// decrypt each hold their own srtp.Context because pion/srtp's contexts
// are not safe for concurrent encrypt+decrypt on the same struct.
func NewTransforms(localKey, localSalt, remoteKey, remoteSalt []byte, profile srtp.ProtectionProfile) (rtpsession.SecureTransforms, error) {
	encryptCtx, err := srtp.CreateContext(localKey, localSalt, profile)
	if err != nil {
		return rtpsession.SecureTransforms{}, fmt.Errorf("srtptransform: create encrypt context: %w", err)
	}
	decryptCtx, err := srtp.CreateContext(remoteKey, remoteSalt, profile)
	if err != nil {
		return rtpsession.SecureTransforms{}, fmt.Errorf("srtptransform: create decrypt context: %w", err)
	}

	return rtpsession.SecureTransforms{
		ProtectRTP: func(buf []byte, length int) (int, error) {
			out, err := encryptCtx.EncryptRTP(buf[:0:cap(buf)], buf[:length], nil)
			if err != nil {
				return 0, err
			}
			return len(out), nil
		},
		UnprotectRTP: func(buf []byte, length int) (int, error) {
			out, err := decryptCtx.DecryptRTP(buf[:0:cap(buf)], buf[:length], nil)
			if err != nil {
				return 0, err
			}
			return len(out), nil
		},
		ProtectRTCP: func(buf []byte, length int) (int, error) {
			out, err := encryptCtx.EncryptRTCP(buf[:0:cap(buf)], buf[:length], nil)
			if err != nil {
				return 0, err
			}
			return len(out), nil
		},
		UnprotectRTCP: func(buf []byte, length int) (int, error) {
			out, err := decryptCtx.DecryptRTCP(buf[:0:cap(buf)], buf[:length], nil)
			if err != nil {
				return 0, err
			}
			return len(out), nil
		},
	}, nil
}
