package attest

import (
	"fmt"
	"strings"
	"time"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stake-plus/murmur-protocol/src/types"
)

const (
	DefaultMaxAge  = 10 * time.Minute
	DefaultMaxSkew = time.Minute
)

var substrateContext = []byte("substrate")

// Verifier checks signatures over typed payloads under one domain.
type Verifier struct {
	domain  Domain
	clock   clock.Clock
	maxAge  time.Duration
	maxSkew time.Duration
}

func NewVerifier(domain Domain, clk clock.Clock, maxAge, maxSkew time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{domain: domain, clock: clk, maxAge: maxAge, maxSkew: maxSkew}
}

func (v *Verifier) Domain() Domain {
	return v.domain
}

// Verify checks that sig over p was produced by signer. A 0x address selects
// secp256k1 recovery, anything else is treated as an SS58 sr25519 key.
func (v *Verifier) Verify(p Payload, sig []byte, signer string) error {
	digest, err := v.domain.Digest(p)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	return verifyDigest(digest, sig, signer)
}

// VerifyContent additionally requires the attestation timestamp to sit inside
// [now-maxAge, now+maxSkew].
func (v *Verifier) VerifyContent(a ContentAttestation, sig []byte, oracle string) error {
	now := v.clock.Now()
	ts := time.Unix(a.Timestamp, 0)
	if ts.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("%w: attestation expired at %d", types.ErrInvalidAttestation, a.Timestamp)
	}
	if ts.After(now.Add(v.maxSkew)) {
		return fmt.Errorf("%w: attestation timestamp %d is in the future", types.ErrInvalidAttestation, a.Timestamp)
	}
	return v.Verify(a, sig, oracle)
}

// VerifyPersonal checks a wallet signature over a plain message: EIP-191
// personal_sign for 0x addresses, raw sr25519 for SS58 ones.
func VerifyPersonal(addr string, message, sig []byte) error {
	if IsEVMAddress(addr) {
		return verifyDigest(accounts.TextHash(message), sig, addr)
	}
	return verifySr25519(message, sig, addr)
}

func verifyDigest(digest, sig []byte, signer string) error {
	if IsEVMAddress(signer) {
		return verifySecp256k1(digest, sig, signer)
	}
	return verifySr25519(digest, sig, signer)
}

func verifySecp256k1(digest, sig []byte, signer string) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", types.ErrInvalidAttestation, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	if got := crypto.PubkeyToAddress(*pub).Hex(); !strings.EqualFold(got, signer) {
		return fmt.Errorf("%w: signer mismatch", types.ErrInvalidAttestation)
	}
	return nil
}

func verifySr25519(msg, sig []byte, signer string) error {
	pubRaw, err := DecodeSS58(signer)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	if len(sig) != 64 {
		return fmt.Errorf("%w: signature length %d", types.ErrInvalidAttestation, len(sig))
	}
	var sigRaw [64]byte
	copy(sigRaw[:], sig)

	var pk schnorrkel.PublicKey
	if err := pk.Decode(pubRaw); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	var s schnorrkel.Signature
	if err := s.Decode(sigRaw); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	ok, err := pk.Verify(&s, schnorrkel.NewSigningContext(substrateContext, msg))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad sr25519 signature", types.ErrInvalidAttestation)
	}
	return nil
}
