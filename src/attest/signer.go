package attest

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces detached signatures over typed payloads.
type Signer interface {
	Sign(ctx context.Context, p Payload) ([]byte, error)
	Address() string
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	key    *ecdsa.PrivateKey
	domain Domain
}

func NewLocalSigner(hexKey string, domain Domain) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	return &LocalSigner{key: key, domain: domain}, nil
}

// GenerateLocalSigner creates a signer with a fresh random key and returns
// the hex encoded key alongside it.
func GenerateLocalSigner(domain Domain) (*LocalSigner, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	return &LocalSigner{key: key, domain: domain}, hex.EncodeToString(crypto.FromECDSA(key)), nil
}

func (s *LocalSigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign returns a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *LocalSigner) Sign(_ context.Context, p Payload) ([]byte, error) {
	digest, err := s.domain.Digest(p)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}

func (s *LocalSigner) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Sr25519Signer signs digests with a substrate sr25519 key.
type Sr25519Signer struct {
	privateKey *schnorrkel.SecretKey
	publicKey  *schnorrkel.PublicKey
	address    string
	domain     Domain
}

// NewSr25519SignerFromSeed derives the key from a BIP-39 mnemonic.
func NewSr25519SignerFromSeed(seedPhrase string, networkPrefix uint16, domain Domain) (*Sr25519Signer, error) {
	seed, err := bip39.NewSeedWithErrorChecking(seedPhrase, "")
	if err != nil {
		return nil, fmt.Errorf("invalid seed phrase: %w", err)
	}
	var miniSecret [32]byte
	copy(miniSecret[:], seed[:32])
	return newSr25519Signer(miniSecret, networkPrefix, domain)
}

// NewSr25519SignerFromHex uses a hex encoded 32-byte mini secret.
func NewSr25519SignerFromHex(hexKey string, networkPrefix uint16, domain Domain) (*Sr25519Signer, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid key length: expected 32 bytes, got %d", len(keyBytes))
	}
	var miniSecret [32]byte
	copy(miniSecret[:], keyBytes)
	return newSr25519Signer(miniSecret, networkPrefix, domain)
}

func newSr25519Signer(miniSecret [32]byte, networkPrefix uint16, domain Domain) (*Sr25519Signer, error) {
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(miniSecret)
	if err != nil {
		return nil, fmt.Errorf("create mini secret key: %w", err)
	}
	secretKey := mini.ExpandEd25519()
	publicKey, err := secretKey.Public()
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return &Sr25519Signer{
		privateKey: secretKey,
		publicKey:  publicKey,
		address:    EncodeSS58(publicKey.Encode(), networkPrefix),
		domain:     domain,
	}, nil
}

func (s *Sr25519Signer) Address() string {
	return s.address
}

func (s *Sr25519Signer) Sign(_ context.Context, p Payload) ([]byte, error) {
	digest, err := s.domain.Digest(p)
	if err != nil {
		return nil, err
	}
	return s.SignMessage(digest)
}

// SignMessage signs raw bytes under the substrate context.
func (s *Sr25519Signer) SignMessage(msg []byte) ([]byte, error) {
	sig, err := s.privateKey.Sign(schnorrkel.NewSigningContext(substrateContext, msg))
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	encoded := sig.Encode()
	return encoded[:], nil
}
