// Package ticket encodes and decodes share tickets: self-contained,
// copy-pasteable strings that grant a peer enough information to join a
// namespace without a directory service.
package ticket

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/gholt-successor/docs/keys"
)

// ticketEncoding is the alphabet tickets are rendered in: lowercase,
// unpadded base32, matching the compact texture of the other wire
// encodings in this module rather than base64's mixed case.
var ticketEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Prefix marks a string as a docs share ticket before any attempt to
// decode it, the way a URL scheme does.
const Prefix = "docticket1"

const (
	tagRead  byte = 0
	tagWrite byte = 1
)

// Ticket is a self-contained capability descriptor for a namespace: the
// 32-byte capability payload plus its one-byte tag, the addresses to dial
// to find peers, and the mode the importer should actually adopt. Mode is
// independent of the embedded capability so a Write ticket can be shared
// while asking the recipient to import it Read-only.
type Ticket struct {
	Namespace    keys.NamespaceId
	Capability   keys.Capability
	Secret       []byte // 32-byte ed25519 seed; set iff Capability == keys.Write
	NodeAddrs    []string
	IntendedMode keys.Capability
}

// FromSecret builds a Write-capability ticket from a namespace's full
// keypair.
func FromSecret(ns keys.NamespaceSecret, addrs []string, intendedMode keys.Capability) Ticket {
	return Ticket{
		Namespace:    ns.Id(),
		Capability:   keys.Write,
		Secret:       ns.Seed(),
		NodeAddrs:    addrs,
		IntendedMode: intendedMode,
	}
}

// FromNamespaceId builds a Read-capability ticket from just a namespace's
// public key.
func FromNamespaceId(ns keys.NamespaceId, addrs []string) Ticket {
	return Ticket{
		Namespace:    ns,
		Capability:   keys.Read,
		NodeAddrs:    addrs,
		IntendedMode: keys.Read,
	}
}

// Encode serializes t as a base32 string prefixed with Prefix.
func Encode(t Ticket) (string, error) {
	var payload []byte
	switch t.Capability {
	case keys.Write:
		if len(t.Secret) != ed25519.SeedSize {
			return "", fmt.Errorf("ticket: encode: write capability requires a %d-byte secret, got %d", ed25519.SeedSize, len(t.Secret))
		}
		payload = append(payload, tagWrite)
		payload = append(payload, t.Secret...)
	default:
		payload = append(payload, tagRead)
		payload = append(payload, t.Namespace[:]...)
	}

	payload = append(payload, byte(t.IntendedMode))

	if len(t.NodeAddrs) > 0xFFFF {
		return "", fmt.Errorf("ticket: encode: too many node addresses (%d)", len(t.NodeAddrs))
	}
	payload = appendUint16(payload, uint16(len(t.NodeAddrs)))
	for _, addr := range t.NodeAddrs {
		if len(addr) > 0xFFFF {
			return "", fmt.Errorf("ticket: encode: address too long (%d bytes)", len(addr))
		}
		payload = appendUint16(payload, uint16(len(addr)))
		payload = append(payload, addr...)
	}

	return Prefix + strings.ToLower(ticketEncoding.EncodeToString(payload)), nil
}

// Decode parses a ticket string produced by Encode, rebuilding the
// namespace public key from the embedded seed when the ticket carries
// Write capability.
func Decode(s string) (Ticket, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Ticket{}, fmt.Errorf("ticket: decode: missing %q prefix", Prefix)
	}
	payload, err := ticketEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(s, Prefix)))
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode: %w", err)
	}
	if len(payload) < 1+32+1+2 {
		return Ticket{}, fmt.Errorf("ticket: decode: truncated")
	}

	var t Ticket
	tag := payload[0]
	payload = payload[1:]

	switch tag {
	case tagWrite:
		t.Secret = append([]byte(nil), payload[:32]...)
		ns, err := keys.ImportNamespaceSecret(t.Secret)
		if err != nil {
			return Ticket{}, fmt.Errorf("ticket: decode: %w", err)
		}
		t.Namespace = ns.Id()
		t.Capability = keys.Write
	case tagRead:
		copy(t.Namespace[:], payload[:32])
		t.Capability = keys.Read
	default:
		return Ticket{}, fmt.Errorf("ticket: decode: unknown capability tag %d", tag)
	}
	payload = payload[32:]

	t.IntendedMode = keys.Capability(payload[0])
	payload = payload[1:]

	n, payload, err := readUint16(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode: %w", err)
	}
	t.NodeAddrs = make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		var length uint16
		length, payload, err = readUint16(payload)
		if err != nil {
			return Ticket{}, fmt.Errorf("ticket: decode: %w", err)
		}
		if int(length) > len(payload) {
			return Ticket{}, fmt.Errorf("ticket: decode: truncated address")
		}
		t.NodeAddrs = append(t.NodeAddrs, string(payload[:length]))
		payload = payload[length:]
	}

	return t, nil
}

// Sanitize strips any address in t.NodeAddrs that matches one of the
// local node's own listen addresses, so importing a ticket one produced
// for someone else doesn't leave the local node trying to dial itself.
func Sanitize(t Ticket, localAddrs []string) Ticket {
	if len(t.NodeAddrs) == 0 || len(localAddrs) == 0 {
		return t
	}
	local := make(map[string]struct{}, len(localAddrs))
	for _, a := range localAddrs {
		local[a] = struct{}{}
	}
	kept := make([]string, 0, len(t.NodeAddrs))
	for _, a := range t.NodeAddrs {
		if _, isLocal := local[a]; isLocal {
			continue
		}
		kept = append(kept, a)
	}
	t.NodeAddrs = kept
	return t
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func readUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("truncated length prefix")
	}
	return uint16(b[0])<<8 | uint16(b[1]), b[2:], nil
}
