package nostr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const npubPrefix = "npub"

// EncodeNPub renders pk in NIP-19 bech32 form.
func EncodeNPub(pk PublicKey) (string, error) {
	conv, err := bech32.ConvertBits(pk[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("nostr: npub: %w", err)
	}
	return bech32.Encode(npubPrefix, conv)
}

// DecodeNPub parses an npub string.
func DecodeNPub(s string) (PublicKey, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("nostr: npub: %w", err)
	}
	if hrp != npubPrefix {
		return PublicKey{}, fmt.Errorf("nostr: npub: unexpected prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return PublicKey{}, fmt.Errorf("nostr: npub: %w", err)
	}
	if len(raw) != 32 {
		return PublicKey{}, fmt.Errorf("%w: npub payload is %d bytes", ErrInvalidKey, len(raw))
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}
