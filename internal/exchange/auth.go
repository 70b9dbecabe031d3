package exchange

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the wallet key used to authenticate order actions. The venue
// authenticates each action by recovering the signer address from a
// secp256k1 signature over the keccak hash of the serialized action and a
// monotonic nonce.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// ActionSignature is the wire form the venue expects.
type ActionSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// NewSigner parses a hex-encoded private key and derives the wallet address.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{
		privateKey: key,
		address:    strings.ToLower(addr.Hex()),
	}, nil
}

// Address returns the lowercase hex wallet address.
func (s *Signer) Address() string { return s.address }

// SignAction signs a serialized action together with its nonce.
func (s *Signer) SignAction(action any, nonce int64) (*ActionSignature, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	// Nonce is appended big-endian so replayed payloads hash differently.
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, payload...)
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(nonce>>shift))
	}

	hash := crypto.Keccak256(buf)
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}

	return &ActionSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}
