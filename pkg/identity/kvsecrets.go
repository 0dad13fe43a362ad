package identity

import (
	"context"
	"errors"

	"github.com/haivivi/pushtalk/pkg/kv"
)

// SecretKey is where KVSecrets keeps the secret.
var SecretKey = kv.Key{"identity", "secret"}

type kvSecrets struct {
	store kv.Store
}

// KVSecrets stores the secret in a kv.Store. Open the badger store with
// SyncWrites so PersistSecret is durable when it returns.
func KVSecrets(store kv.Store) SecretStore {
	return kvSecrets{store: store}
}

func (s kvSecrets) LoadSecret(ctx context.Context) ([]byte, error) {
	b, err := s.store.Get(ctx, SecretKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoSecret
	}
	return b, err
}

func (s kvSecrets) PersistSecret(ctx context.Context, secret []byte) error {
	return s.store.Set(ctx, SecretKey, secret)
}
