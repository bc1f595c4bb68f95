package attest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/murmur-protocol/src/types"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

var testDomain = NewDomain(31337, common.HexToAddress("0x000000000000000000000000000000000000beef"))

func newVerifier(t *testing.T) (*Verifier, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	return NewVerifier(testDomain, clk, 5*time.Minute, 30*time.Second), clk
}

func TestDigestIsDomainSeparated(t *testing.T) {
	p := Settlement{Users: []common.Address{common.HexToAddress("0x01")}, Deltas: []int64{-24}, Nonce: 0}

	a, err := testDomain.Digest(p)
	require.NoError(t, err)
	require.Len(t, a, 32)

	other := NewDomain(1, testDomain.VerifyingContract)
	b, err := other.Digest(p)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	p.Nonce = 1
	c, err := testDomain.Digest(p)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestLocalSignerRoundTrip(t *testing.T) {
	v, _ := newVerifier(t)
	signer, _, err := GenerateLocalSigner(testDomain)
	require.NoError(t, err)

	w := Withdraw{
		User:             common.HexToAddress("0x0a"),
		VPBurnAmount:     3162,
		CollateralReturn: uint256.NewInt(1000),
		Nonce:            0,
	}
	sig, err := signer.Sign(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	require.NoError(t, v.Verify(w, sig, signer.Address()))
	require.NoError(t, v.Verify(w, sig, strings.ToLower(signer.Address())))

	// recovery id without the 27 offset is accepted too
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	require.NoError(t, v.Verify(w, raw, signer.Address()))

	w.Nonce = 1
	require.ErrorIs(t, v.Verify(w, sig, signer.Address()), types.ErrInvalidAttestation)
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	v, _ := newVerifier(t)
	signer, _, err := GenerateLocalSigner(testDomain)
	require.NoError(t, err)
	other, _, err := GenerateLocalSigner(testDomain)
	require.NoError(t, err)

	m := MintAttestation{Minter: common.HexToAddress("0x0b"), TopicID: 1, ContentHash: common.HexToHash("0x01")}
	sig, err := other.Sign(context.Background(), m)
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(m, sig, signer.Address()), types.ErrInvalidAttestation)
	require.ErrorIs(t, v.Verify(m, sig[:10], signer.Address()), types.ErrInvalidAttestation)
}

func TestSr25519SignerRoundTrip(t *testing.T) {
	v, _ := newVerifier(t)
	signer, err := NewSr25519SignerFromSeed(testMnemonic, 42, testDomain)
	require.NoError(t, err)
	require.False(t, IsEVMAddress(signer.Address()))

	p := Settlement{Users: []common.Address{common.HexToAddress("0x01")}, Deltas: []int64{5}, Nonce: 3}
	sig, err := signer.Sign(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.NoError(t, v.Verify(p, sig, signer.Address()))

	p.Deltas[0] = 6
	require.ErrorIs(t, v.Verify(p, sig, signer.Address()), types.ErrInvalidAttestation)
}

func TestSS58RoundTrip(t *testing.T) {
	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	for _, prefix := range []uint16{0, 2, 42, 1284} {
		addr := EncodeSS58(pub, prefix)
		got, err := DecodeSS58(addr)
		require.NoError(t, err)
		require.Equal(t, pub, got)
	}

	_, err := DecodeSS58("not-an-address")
	require.Error(t, err)

	addr := []byte(EncodeSS58(pub, 42))
	addr[len(addr)-1] = '1'
	if string(addr) != EncodeSS58(pub, 42) {
		_, err = DecodeSS58(string(addr))
		require.Error(t, err)
	}
}

func TestVerifyContentWindow(t *testing.T) {
	v, clk := newVerifier(t)
	oracle, _, err := GenerateLocalSigner(testDomain)
	require.NoError(t, err)

	sign := func(ts int64) (ContentAttestation, []byte) {
		a := ContentAttestation{ContentHash: crypto.Keccak256Hash([]byte("hello")), Length: 42, Score: 5000, Timestamp: ts}
		sig, err := oracle.Sign(context.Background(), a)
		require.NoError(t, err)
		return a, sig
	}

	now := clk.Now().Unix()
	a, sig := sign(now - 60)
	require.NoError(t, v.VerifyContent(a, sig, oracle.Address()))

	a, sig = sign(now - int64((10 * time.Minute).Seconds()))
	require.ErrorIs(t, v.VerifyContent(a, sig, oracle.Address()), types.ErrInvalidAttestation)

	a, sig = sign(now + 120)
	require.ErrorIs(t, v.VerifyContent(a, sig, oracle.Address()), types.ErrInvalidAttestation)

	a, sig = sign(now)
	a.Score = 9000
	require.ErrorIs(t, v.VerifyContent(a, sig, oracle.Address()), types.ErrInvalidAttestation)
}

func TestVerifyPersonal(t *testing.T) {
	evm, _, err := GenerateLocalSigner(testDomain)
	require.NoError(t, err)
	msg := []byte("murmur login nonce 1234")
	sig, err := evm.SignDigest(accounts.TextHash(msg))
	require.NoError(t, err)
	require.NoError(t, VerifyPersonal(evm.Address(), msg, sig))
	require.Error(t, VerifyPersonal(evm.Address(), []byte("other"), sig))

	sub, err := NewSr25519SignerFromSeed(testMnemonic, 0, testDomain)
	require.NoError(t, err)
	sig, err = sub.SignMessage(msg)
	require.NoError(t, err)
	require.NoError(t, VerifyPersonal(sub.Address(), msg, sig))
}
