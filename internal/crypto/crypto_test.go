package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key (hardhat account #0).
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func recoverSigner(t *testing.T, digest []byte, sigHex string) common.Address {
	t.Helper()
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(*pub)
}

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = NewSigner("not-hex", 137)
	assert.Error(t, err)
}

func TestSignOrderRecoversToWallet(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	o := Order{
		Salt:          big.NewInt(123456),
		Maker:         s.Address(),
		Signer:        s.Address(),
		TokenID:       big.NewInt(987654321),
		MakerAmount:   big.NewInt(4_000_000),
		TakerAmount:   big.NewInt(10_000_000),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          SideBuy,
		SignatureType: SignatureTypeEOA,
	}
	sig, err := s.SignOrder(o)
	require.NoError(t, err)

	digest, err := s.orderDigest(o)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recoverSigner(t, digest, sig))

	// A different amount changes the digest.
	o.MakerAmount = big.NewInt(5_000_000)
	other, err := s.orderDigest(o)
	require.NoError(t, err)
	assert.NotEqual(t, digest, other)
}

func TestSignClobAuthRecoversToWallet(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	sig, err := s.SignClobAuth(1700000000, 0)
	require.NoError(t, err)
	digest, err := s.clobAuthDigest(1700000000, 0)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recoverSigner(t, digest, sig))
}

func TestL2HeadersAt(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret-bytes"))
	h := &HMACAuth{Key: "key-1", Secret: secret, Passphrase: "pass"}

	got := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)

	mac := hmac.New(sha256.New, []byte("super-secret-bytes"))
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, got["POLY_SIGNATURE"])
	assert.Equal(t, "1700000000", got["POLY_TIMESTAMP"])
	assert.Equal(t, "key-1", got["POLY_API_KEY"])
	assert.Equal(t, "pass", got["POLY_PASSPHRASE"])
	assert.Equal(t, "0xabc", got["POLY_ADDRESS"])
	assert.NotContains(t, h.String(), "super")
}

func TestKeyFile(t *testing.T) {
	sealed, err := SealKeyFile(testKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err := KeySource{FilePath: path, Password: "hunter2"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(testKey, "0x"), got)

	_, err = OpenKeyFile(sealed, "wrong")
	assert.Error(t, err)

	raw, err := KeySource{RawKey: testKey, FilePath: path}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(testKey, "0x"), raw)

	_, err = KeySource{}.Resolve()
	assert.Error(t, err)
}
