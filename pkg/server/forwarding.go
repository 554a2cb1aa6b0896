package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// Reserved login plugin request ids and channels
const (
	BarrierMessageID    int32 = 0
	ForwardingMessageID int32 = 1

	BarrierChannel    = "quectocraft:barrier"
	ForwardingChannel = "velocity:player_info"

	// ForwardingVersion is the forwarding format advertised to the proxy
	ForwardingVersion = 1

	// ForwardingSignatureLen is the HMAC-SHA256 prefix of a forwarding response
	ForwardingSignatureLen = sha256.Size

	maxForwardedAddressLen = 255
)

var (
	ErrMissingForwardingData        = errors.New("missing forwarding data")
	ErrBadSignature                 = errors.New("forwarding signature mismatch")
	ErrUnsupportedForwardingVersion = errors.New("unsupported forwarding version")
	ErrNotVerified                  = errors.New("connection is not verified")
)

// ForwardedPlayer is the identity a proxy vouches for
type ForwardedPlayer struct {
	Version    int32
	Address    string
	UUID       uuid.UUID
	Name       string
	Properties []protocol.Property
}

// VerifyForwarding checks the signature on a forwarding response and parses
// the signed identity. The payload is a 32-byte HMAC-SHA256 of the rest,
// keyed with the shared secret.
func VerifyForwarding(secret, payload []byte) (*ForwardedPlayer, error) {
	if len(payload) == 0 {
		return nil, ErrMissingForwardingData
	}
	if len(payload) <= ForwardingSignatureLen {
		return nil, fmt.Errorf("%w: payload too short", ErrBadSignature)
	}

	signature, data := payload[:ForwardingSignatureLen], payload[ForwardingSignatureLen:]
	if !hmac.Equal(signature, forwardingMAC(secret, data)) {
		return nil, ErrBadSignature
	}

	r := bytes.NewReader(data)
	fwd := &ForwardedPlayer{}

	var err error
	if fwd.Version, err = protocol.ReadVarInt(r); err != nil {
		return nil, fmt.Errorf("forwarding version: %w", err)
	}
	if fwd.Version < ForwardingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedForwardingVersion, fwd.Version)
	}
	if fwd.Address, err = protocol.ReadString(r, maxForwardedAddressLen); err != nil {
		return nil, fmt.Errorf("forwarded address: %w", err)
	}
	if fwd.UUID, err = protocol.ReadUUID(r); err != nil {
		return nil, fmt.Errorf("forwarded uuid: %w", err)
	}
	if fwd.Name, err = protocol.ReadString(r, protocol.MaxUsernameLen); err != nil {
		return nil, fmt.Errorf("forwarded name: %w", err)
	}
	if fwd.Properties, err = protocol.ReadProperties(r); err != nil {
		return nil, fmt.Errorf("forwarded properties: %w", err)
	}
	// Newer versions append fields this server does not use
	return fwd, nil
}

// SignForwarding builds a signed forwarding response the way a proxy does
func SignForwarding(secret []byte, fwd ForwardedPlayer) ([]byte, error) {
	data := new(bytes.Buffer)
	if err := protocol.WriteVarInt(data, fwd.Version); err != nil {
		return nil, err
	}
	if err := protocol.WriteString(data, fwd.Address, maxForwardedAddressLen); err != nil {
		return nil, err
	}
	if err := protocol.WriteUUID(data, fwd.UUID); err != nil {
		return nil, err
	}
	if err := protocol.WriteString(data, fwd.Name, protocol.MaxUsernameLen); err != nil {
		return nil, err
	}
	if err := protocol.WriteProperties(data, fwd.Properties); err != nil {
		return nil, err
	}

	out := forwardingMAC(secret, data.Bytes())
	return append(out, data.Bytes()...), nil
}

func forwardingMAC(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// OfflineUUID derives the identifier vanilla servers assign to a name when
// no account service is consulted: an MD5 name-based (version 3) UUID of
// "OfflinePlayer:" + name.
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = sum[6]&0x0f | 0x30
	sum[8] = sum[8]&0x3f | 0x80
	return uuid.UUID(sum)
}
