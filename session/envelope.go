package session

import (
	"encoding/binary"
	"fmt"

	cryptocore "chai/services/crypto-core"
)

const envelopeVersion byte = 0x01

const flagInitialPresent byte = 0x01

// encodeEnvelope lays out the bit-exact wire format:
//
//	envelope = version(1) || flags(1) || header || body
//	header   = dh_send_pub(32) || pn(u32) || n(u32)
//	body     = ciphertext_len(u32) || ciphertext
//	initial  = identity_pub(32) || ephemeral_pub(32) || spk_id(u32) || otp_flag(1) || otp_id(u32 if flag)
//
// The initial block, when present, precedes the header.
func encodeEnvelope(header *cryptocore.MessageHeader, handshake *cryptocore.HandshakeMessage, ciphertext []byte) []byte {
	var flags byte
	if handshake != nil {
		flags |= flagInitialPresent
	}

	size := 1 + 1 + 32 + 4 + 4 + 4 + len(ciphertext)
	if handshake != nil {
		size += 32 + 32 + 4 + 1
		if handshake.OneTimePrekeyID != nil {
			size += 4
		}
	}

	buf := make([]byte, size)
	i := 0
	buf[i] = envelopeVersion
	i++
	buf[i] = flags
	i++

	if handshake != nil {
		copy(buf[i:], handshake.IdentityKey[:])
		i += 32
		copy(buf[i:], handshake.EphemeralKey[:])
		i += 32
		binary.BigEndian.PutUint32(buf[i:], handshake.SignedPrekeyID)
		i += 4
		if handshake.OneTimePrekeyID != nil {
			buf[i] = 1
			i++
			binary.BigEndian.PutUint32(buf[i:], *handshake.OneTimePrekeyID)
			i += 4
		} else {
			buf[i] = 0
			i++
		}
	}

	copy(buf[i:], header.DHPublic[:])
	i += 32
	binary.BigEndian.PutUint32(buf[i:], header.PN)
	i += 4
	binary.BigEndian.PutUint32(buf[i:], header.N)
	i += 4

	binary.BigEndian.PutUint32(buf[i:], uint32(len(ciphertext)))
	i += 4
	copy(buf[i:], ciphertext)

	return buf
}

type decodedEnvelope struct {
	handshake  *cryptocore.HandshakeMessage
	header     cryptocore.MessageHeader
	ciphertext []byte
}

func decodeEnvelope(data []byte) (*decodedEnvelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidEnvelope)
	}
	version := data[0]
	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, version)
	}
	flags := data[1]
	i := 2

	var handshake *cryptocore.HandshakeMessage
	if flags&flagInitialPresent != 0 {
		if len(data) < i+32+32+4+1 {
			return nil, fmt.Errorf("%w: truncated initial block", ErrInvalidEnvelope)
		}
		hs := &cryptocore.HandshakeMessage{}
		copy(hs.IdentityKey[:], data[i:i+32])
		i += 32
		copy(hs.EphemeralKey[:], data[i:i+32])
		i += 32
		hs.SignedPrekeyID = binary.BigEndian.Uint32(data[i : i+4])
		i += 4
		otpFlag := data[i]
		i++
		if otpFlag != 0 {
			if len(data) < i+4 {
				return nil, fmt.Errorf("%w: truncated otp id", ErrInvalidEnvelope)
			}
			id := binary.BigEndian.Uint32(data[i : i+4])
			hs.OneTimePrekeyID = &id
			i += 4
		}
		handshake = hs
	}

	if len(data) < i+32+4+4+4 {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidEnvelope)
	}
	var header cryptocore.MessageHeader
	copy(header.DHPublic[:], data[i:i+32])
	i += 32
	header.PN = binary.BigEndian.Uint32(data[i : i+4])
	i += 4
	header.N = binary.BigEndian.Uint32(data[i : i+4])
	i += 4

	ctLen := binary.BigEndian.Uint32(data[i : i+4])
	i += 4
	if uint64(len(data)-i) != uint64(ctLen) {
		return nil, fmt.Errorf("%w: ciphertext length mismatch", ErrInvalidEnvelope)
	}
	ciphertext := append([]byte(nil), data[i:]...)

	return &decodedEnvelope{handshake: handshake, header: header, ciphertext: ciphertext}, nil
}
