package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrInvalidKey is returned for secret keys that are not a valid
// secp256k1 scalar, and for malformed public keys.
var ErrInvalidKey = errors.New("nostr: invalid key")

// SecretKey is a 32-byte secp256k1 secret.
type SecretKey [32]byte

// PublicKey is a 32-byte BIP-340 x-only public key.
type PublicKey [32]byte

// Signer signs events on behalf of one public key.
type Signer interface {
	// PublicKey returns the hex-encoded public key.
	PublicKey() string
	// Sign fills in pubkey, id and sig.
	Sign(ev *Event) error
}

// GenerateSecretKey returns a fresh key from a cryptographically secure
// source.
func GenerateSecretKey() (SecretKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return SecretKey{}, fmt.Errorf("nostr: generate key: %w", err)
	}
	var sk SecretKey
	copy(sk[:], priv.Serialize())
	return sk, nil
}

// ParseSecretKey validates b as a secret key.
func ParseSecretKey(b []byte) (SecretKey, error) {
	if len(b) != 32 {
		return SecretKey{}, fmt.Errorf("%w: secret is %d bytes, want 32", ErrInvalidKey, len(b))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return SecretKey{}, fmt.Errorf("%w: secret out of range", ErrInvalidKey)
	}
	var sk SecretKey
	copy(sk[:], b)
	return sk, nil
}

// PublicKey derives the x-only public key.
func (sk SecretKey) PublicKey() PublicKey {
	_, pub := btcec.PrivKeyFromBytes(sk[:])
	var pk PublicKey
	copy(pk[:], schnorr.SerializePubKey(pub))
	return pk
}

// Hex returns the lowercase hex form.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return PublicKey{}, fmt.Errorf("%w: public key %q", ErrInvalidKey, s)
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// SignEvent stamps ev with the public key of sk, computes its id and signs
// it.
func SignEvent(ev *Event, sk SecretKey) error {
	priv, _ := btcec.PrivKeyFromBytes(sk[:])
	ev.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	hash, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		return fmt.Errorf("nostr: sign: %w", err)
	}
	ev.ID = id
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ev's id matches its content and that sig is a valid
// signature by pubkey.
func Verify(ev *Event) error {
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	if id != ev.ID {
		return errors.New("nostr: id does not match content")
	}
	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidKey, err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrInvalidKey, err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("nostr: sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("nostr: sig: %w", err)
	}
	hash, _ := hex.DecodeString(id)
	if !sig.Verify(hash, pk) {
		return errors.New("nostr: bad signature")
	}
	return nil
}
