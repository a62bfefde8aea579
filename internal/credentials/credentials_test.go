package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/secrets"
	"tokengate/internal/store"
)

func newResolver(t *testing.T, cfgJSON string) (*Resolver, *secrets.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(cfgJSON), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	db, err := store.OpenForTest()
	require.NoError(t, err)
	sec := secrets.NewStore(db)
	return NewResolver(cfg, sec), sec
}

func TestResolvePrecedence(t *testing.T) {
	r, sec := newResolver(t, `{"providers":[{"name":"anthropic","apiKey":"sk-server"}]}`)
	require.NoError(t, sec.Save(1, "anthropic", "sk-stored", "unlock"))

	t.Run("inline wins over everything", func(t *testing.T) {
		cred, err := r.Resolve(Request{UserID: 1, Provider: "anthropic", InlineAPIKey: "sk-inline", UnlockSecret: "unlock"})
		require.NoError(t, err)
		assert.Equal(t, SourceInline, cred.Source)
		assert.Equal(t, "sk-inline", cred.Key())
	})

	t.Run("stored key wins over server key", func(t *testing.T) {
		cred, err := r.Resolve(Request{UserID: 1, Provider: "anthropic", UnlockSecret: "unlock"})
		require.NoError(t, err)
		assert.Equal(t, SourceBYOK, cred.Source)
		assert.Equal(t, "sk-stored", cred.Key())
	})

	t.Run("server key for users without a stored key", func(t *testing.T) {
		cred, err := r.Resolve(Request{UserID: 2, Provider: "anthropic"})
		require.NoError(t, err)
		assert.Equal(t, SourceServer, cred.Source)
		assert.Equal(t, "sk-server", cred.Key())
	})

	t.Run("server key for anonymous callers", func(t *testing.T) {
		cred, err := r.Resolve(Request{Provider: "anthropic"})
		require.NoError(t, err)
		assert.Equal(t, SourceServer, cred.Source)
	})
}

func TestResolveStoredKeyRequiresUnlock(t *testing.T) {
	r, sec := newResolver(t, `{"providers":[{"name":"anthropic","apiKey":"sk-server"}]}`)
	require.NoError(t, sec.Save(1, "anthropic", "sk-stored", "unlock"))

	// A stored key with the wrong unlock secret fails hard; it does not fall
	// through to the server key.
	_, err := r.Resolve(Request{UserID: 1, Provider: "anthropic", UnlockSecret: "wrong"})
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.KindDecryptAuthFailed, ae.Kind)
}

func TestResolveNoCredential(t *testing.T) {
	r, _ := newResolver(t, `{"providers":[{"name":"localllm"}]}`)

	cred, err := r.Resolve(Request{UserID: 1, Provider: "localllm"})
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.KindNoCredential, ae.Kind)
	assert.Equal(t, SourceNone, cred.Source)
	assert.True(t, cred.Empty())
}

func TestCredentialZero(t *testing.T) {
	cred := New("sk-sensitive", SourceInline)
	assert.Equal(t, "sk-sensitive", cred.Key())
	assert.Equal(t, SourceInline, cred.Source)
	cred.Zero()
	assert.True(t, cred.Empty())
	assert.Equal(t, "", cred.Key())
}

func TestStoredKeyStatus(t *testing.T) {
	r, sec := newResolver(t, `{"providers":["anthropic"]}`)

	status, err := r.StoredKeyStatus(1, "anthropic")
	require.NoError(t, err)
	assert.False(t, status.Present)

	require.NoError(t, sec.Save(1, "anthropic", "sk", "unlock"))
	status, err = r.StoredKeyStatus(1, "anthropic")
	require.NoError(t, err)
	assert.True(t, status.Present)
}
