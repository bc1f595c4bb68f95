package attest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Pre = []byte("SS58PRE")

func ss58Prefix(prefix uint16) []byte {
	if prefix < 64 {
		return []byte{byte(prefix)}
	}
	// two-byte simple account format
	first := byte((prefix&0xfc)>>2) | 0x40
	second := byte(prefix>>8) | byte((prefix&0x03)<<6)
	return []byte{first, second}
}

func ss58Checksum(data []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(ss58Pre)
	h.Write(data)
	return h.Sum(nil)[:2]
}

// EncodeSS58 renders a 32-byte public key as an SS58 address.
func EncodeSS58(pub [32]byte, prefix uint16) string {
	payload := append(ss58Prefix(prefix), pub[:]...)
	payload = append(payload, ss58Checksum(payload)...)
	return base58.Encode(payload)
}

// DecodeSS58 returns the public key inside an SS58 address after checking its checksum.
func DecodeSS58(addr string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base58.Decode(addr)
	if err != nil {
		return pub, fmt.Errorf("invalid ss58 address: %w", err)
	}
	var prefixLen int
	switch len(raw) {
	case 35:
		prefixLen = 1
	case 36:
		prefixLen = 2
	default:
		return pub, fmt.Errorf("invalid ss58 address length %d", len(raw))
	}
	body := raw[:len(raw)-2]
	if !bytes.Equal(ss58Checksum(body), raw[len(raw)-2:]) {
		return pub, fmt.Errorf("invalid ss58 checksum")
	}
	copy(pub[:], body[prefixLen:])
	return pub, nil
}

// IsEVMAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsEVMAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && len(addr) == 42
}
