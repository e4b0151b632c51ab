package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Capability is an opaque signing handle. The policy engine never inspects
// key material; only signer implementations call Sign.
type Capability interface {
	Sign(payload []byte) ([]byte, error)
}

// Identity is one ephemeral signing identity.
type Identity struct {
	Address    string
	Capability Capability
}

// Provider supplies fresh signing identities for new session keys.
type Provider interface {
	GenerateIdentity() (Identity, error)
}

// EphemeralProvider generates ed25519 keys held in process memory. Key
// custody hardening (enclave, HSM) happens behind this interface.
type EphemeralProvider struct{}

func (EphemeralProvider) GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate session key: %w", err)
	}
	return Identity{
		Address:    AddressFromPublicKey(pub),
		Capability: ed25519Capability{priv: priv},
	}, nil
}

// AddressFromPublicKey derives a 20-byte hex address from the public key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:])
}

type ed25519Capability struct {
	priv ed25519.PrivateKey
}

func (c ed25519Capability) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(c.priv, payload), nil
}
