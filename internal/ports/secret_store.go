package ports

import (
	"context"
	"errors"
)

// ErrSecretNotFound reports a key absent from a secret store.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds broker manager passwords.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// ManagerPasswordKey is the secret key of the password used to register
// with the manager called name.
func ManagerPasswordKey(name string) string {
	return "datavault/managers/" + name + "/password"
}
