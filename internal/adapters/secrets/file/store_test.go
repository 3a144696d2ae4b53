package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bnema/datavault/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	testCases := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "empty", key: "", wantErr: "secret key is empty"},
		{name: "whitespace", key: "   ", wantErr: "secret key is empty"},
		{name: "absolute", key: "/etc/passwd", wantErr: "invalid secret key"},
		{name: "parent", key: "..", wantErr: "invalid secret key"},
		{name: "traversal", key: "../../managers/lab/password", wantErr: "invalid secret key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Put(context.Background(), tc.key, "value")
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestStorePutGetRoundTripAndPermissions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewStore(root)
	key := ports.ManagerPasswordKey("lab")

	require.NoError(t, store.Put(context.Background(), key, "first"))
	require.NoError(t, store.Put(context.Background(), key, "hunter2"))

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	info, err := os.Stat(filepath.Join(root, key))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(secretFileMod), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(filepath.Join(root, key)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreGetTrimsHandWrittenLineBreak(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	key := ports.ManagerPasswordKey("lab")
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, key)), storeDirMode))
	require.NoError(t, os.WriteFile(filepath.Join(root, key), []byte("hunter2\r\n"), secretFileMod))

	got, err := NewStore(root).Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	_, err := NewStore(t.TempDir()).Get(context.Background(), ports.ManagerPasswordKey("absent"))
	require.ErrorIs(t, err, ports.ErrSecretNotFound)
}

func TestStoreDeleteIsIdempotentWhenSecretMissing(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	key := ports.ManagerPasswordKey("lab")

	require.NoError(t, store.Put(context.Background(), key, "hunter2"))
	require.NoError(t, store.Delete(context.Background(), key))
	require.NoError(t, store.Delete(context.Background(), key))

	_, err := store.Get(context.Background(), key)
	require.ErrorIs(t, err, ports.ErrSecretNotFound)
}

func TestStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStore(t.TempDir()).Get(ctx, ports.ManagerPasswordKey("lab"))
	require.ErrorIs(t, err, context.Canceled)
}
