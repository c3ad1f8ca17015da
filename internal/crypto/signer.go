// Package crypto signs Polymarket CLOB requests: EIP-712 typed data for
// orders and API-key derivation, HMAC headers for authenticated calls, and
// password-protected wallet key files.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Polygon mainnet CTF exchange, the verifying contract for order signatures.
const ExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

const clobAuthMessage = "This message attests that I control the given wallet"

// Order sides and signature types as encoded in the signed struct.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1

	SignatureTypeEOA uint8 = 0
)

var eip712DomainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
}

var orderTypes = []apitypes.Type{
	{Name: "salt", Type: "uint256"},
	{Name: "maker", Type: "address"},
	{Name: "signer", Type: "address"},
	{Name: "taker", Type: "address"},
	{Name: "tokenId", Type: "uint256"},
	{Name: "makerAmount", Type: "uint256"},
	{Name: "takerAmount", Type: "uint256"},
	{Name: "expiration", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "feeRateBps", Type: "uint256"},
	{Name: "side", Type: "uint8"},
	{Name: "signatureType", Type: "uint8"},
}

var clobAuthTypes = []apitypes.Type{
	{Name: "address", Type: "address"},
	{Name: "timestamp", Type: "string"},
	{Name: "nonce", Type: "uint256"},
	{Name: "message", Type: "string"},
}

// Order is the CLOB order struct covered by the EIP-712 signature. Amounts
// are in 1e6 base units.
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// Signer holds a secp256k1 wallet key and signs Polymarket typed data.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

// NewSigner creates a Signer from a hex private key (with or without 0x)
// for the given chain (137 for Polygon mainnet).
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Signer{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID: int64(chainID),
	}, nil
}

// Address returns the wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder returns the 0x-prefixed 65-byte signature of o under the
// exchange domain.
func (s *Signer) SignOrder(o Order) (string, error) {
	digest, err := s.orderDigest(o)
	if err != nil {
		return "", err
	}
	return s.sign(digest)
}

// SignClobAuth signs the ClobAuth message used by the key derivation
// endpoint.
func (s *Signer) SignClobAuth(timestamp, nonce int64) (string, error) {
	digest, err := s.clobAuthDigest(timestamp, nonce)
	if err != nil {
		return "", err
	}
	return s.sign(digest)
}

func (s *Signer) orderDigest(o Order) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": append(append([]apitypes.Type{}, eip712DomainTypes...), apitypes.Type{Name: "verifyingContract", Type: "address"}),
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: ExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          decString(o.Salt),
			"maker":         o.Maker.Hex(),
			"signer":        o.Signer.Hex(),
			"taker":         o.Taker.Hex(),
			"tokenId":       decString(o.TokenID),
			"makerAmount":   decString(o.MakerAmount),
			"takerAmount":   decString(o.TakerAmount),
			"expiration":    decString(o.Expiration),
			"nonce":         decString(o.Nonce),
			"feeRateBps":    decString(o.FeeRateBps),
			"side":          strconv.Itoa(int(o.Side)),
			"signatureType": strconv.Itoa(int(o.SignatureType)),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("crypto: hash order: %w", err)
	}
	return digest, nil
}

func (s *Signer) clobAuthDigest(timestamp, nonce int64) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainTypes,
			"ClobAuth":     clobAuthTypes,
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     strconv.FormatInt(nonce, 10),
			"message":   clobAuthMessage,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("crypto: hash clob auth: %w", err)
	}
	return digest, nil
}

// sign returns r || s || v with v in {27, 28}.
func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func decString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
