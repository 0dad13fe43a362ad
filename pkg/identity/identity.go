// Package identity owns the client's long-lived signing key.
//
// The secret is generated once, persisted through a SecretStore, and then
// cached for the life of the process:
//
//	store := identity.NewStore(identity.KVSecrets(db))
//	id, err := store.GetOrCreate(ctx)
//	if err != nil {
//	    return err // wraps identity.ErrStorage
//	}
//	fmt.Println(id.NPub())
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haivivi/pushtalk/pkg/nostr"
)

var (
	// ErrStorage wraps every failure of the persistence layer, including
	// a stored secret that is not a valid key.
	ErrStorage = errors.New("identity: storage failure")

	// ErrNoSecret is returned by SecretStore.LoadSecret when nothing has
	// been persisted yet.
	ErrNoSecret = errors.New("identity: no secret stored")
)

// SecretStore persists the raw secret bytes. It is the secure-storage
// collaborator; implementations decide where the bytes live.
type SecretStore interface {
	LoadSecret(ctx context.Context) ([]byte, error)
	PersistSecret(ctx context.Context, secret []byte) error
}

// Identity is the loaded keypair. It is immutable.
type Identity struct {
	secret nostr.SecretKey
	public nostr.PublicKey
}

// New wraps an existing secret key.
func New(sk nostr.SecretKey) *Identity {
	return &Identity{secret: sk, public: sk.PublicKey()}
}

// PublicKey returns the hex public key. Implements nostr.Signer.
func (id *Identity) PublicKey() string {
	return id.public.Hex()
}

// Key returns the raw public key.
func (id *Identity) Key() nostr.PublicKey {
	return id.public
}

// Sign implements nostr.Signer.
func (id *Identity) Sign(ev *nostr.Event) error {
	return nostr.SignEvent(ev, id.secret)
}

// NPub returns the bech32 form of the public key, or the hex form if
// encoding fails.
func (id *Identity) NPub() string {
	s, err := nostr.EncodeNPub(id.public)
	if err != nil {
		return id.public.Hex()
	}
	return s
}

var _ nostr.Signer = (*Identity)(nil)

// Store loads or creates the identity exactly once per process.
type Store struct {
	secrets SecretStore

	mu     sync.Mutex
	cached *Identity
}

// NewStore returns a Store backed by secrets.
func NewStore(secrets SecretStore) *Store {
	return &Store{secrets: secrets}
}

// GetOrCreate returns the identity, generating and persisting a new secret
// on first use. The secret is durable before the identity is returned.
// Once loaded, later calls never touch storage.
func (s *Store) GetOrCreate(ctx context.Context) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}

	raw, err := s.secrets.LoadSecret(ctx)
	switch {
	case err == nil:
		sk, err := nostr.ParseSecretKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: stored secret: %v", ErrStorage, err)
		}
		s.cached = New(sk)
		slog.Debug("identity: loaded", "pubkey", s.cached.PublicKey())
	case errors.Is(err, ErrNoSecret):
		sk, err := nostr.GenerateSecretKey()
		if err != nil {
			return nil, err
		}
		if err := s.secrets.PersistSecret(ctx, sk[:]); err != nil {
			return nil, fmt.Errorf("%w: persist: %v", ErrStorage, err)
		}
		s.cached = New(sk)
		slog.Info("identity: created", "pubkey", s.cached.PublicKey())
	default:
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	return s.cached, nil
}
