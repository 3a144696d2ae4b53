// Package chain tries several secret stores in order.
package chain

import (
	"context"
	"errors"
	"fmt"

	filestore "github.com/bnema/datavault/internal/adapters/secrets/file"
	passstore "github.com/bnema/datavault/internal/adapters/secrets/pass"
	"github.com/bnema/datavault/internal/ports"
)

type Store struct {
	stores []ports.SecretStore
}

var _ ports.SecretStore = (*Store)(nil)

var errNoStores = errors.New("secret store chain is empty")

func NewStore(stores ...ports.SecretStore) (*Store, error) {
	if len(stores) == 0 {
		return nil, errNoStores
	}
	for i, store := range stores {
		if store == nil {
			return nil, fmt.Errorf("secret store %d is nil", i)
		}
	}
	return &Store{stores: stores}, nil
}

// NewPassFirstWithFileFallback prefers pass(1) and falls back to private
// files under fileRoot.
func NewPassFirstWithFileFallback(fileRoot string) (*Store, error) {
	return NewStore(passstore.NewStore(), filestore.NewStore(fileRoot))
}

// Get returns the value from the first store holding key. The error wraps
// ports.ErrSecretNotFound when no store knows the key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var errs []error
	for i, store := range s.stores {
		value, err := store.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if isContextError(err) {
			return "", err
		}
		errs = append(errs, fmt.Errorf("backend %d: %w", i, err))
	}
	return "", fmt.Errorf("get secret %q: %w", key, errors.Join(errs...))
}

// Put writes to the first store that accepts the value.
func (s *Store) Put(ctx context.Context, key string, value string) error {
	var errs []error
	for i, store := range s.stores {
		err := store.Put(ctx, key, value)
		if err == nil {
			return nil
		}
		if isContextError(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("backend %d: %w", i, err))
	}
	return fmt.Errorf("put secret %q: %w", key, errors.Join(errs...))
}

// Delete removes key from every store so a copy left in a later one cannot
// resurface through Get.
func (s *Store) Delete(ctx context.Context, key string) error {
	var errs []error
	for i, store := range s.stores {
		err := store.Delete(ctx, key)
		if err == nil {
			continue
		}
		if isContextError(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("backend %d: %w", i, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("delete secret %q: %w", key, errors.Join(errs...))
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
