// Package nostr holds the event model spoken on the relay socket: events,
// tags, unix-second timestamps, subscription filters, and BIP-340 Schnorr
// signing over secp256k1.
//
// Events are identified by the SHA-256 of their canonical serialization
//
//	[0, <pubkey hex>, <created_at>, <kind>, <tags>, <content>]
//
// and signed with the author's secret key. The relay never needs the
// secret; it only checks pubkey, id and sig.
package nostr
