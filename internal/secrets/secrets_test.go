package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/apperr"
	"tokengate/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenForTest()
	require.NoError(t, err)
	return NewStore(db)
}

func TestSaveAndUnlockRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(1, "anthropic", "sk-ant-secret", "hunter2"))

	key, err := s.Unlock(1, "anthropic", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", key)
}

func TestUnlockFailuresAreIndistinguishable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(1, "anthropic", "sk-ant-secret", "correct"))

	_, wrongSecret := s.Unlock(1, "anthropic", "wrong")
	_, missingEntry := s.Unlock(1, "openai", "correct")
	_, otherUser := s.Unlock(2, "anthropic", "correct")

	for _, err := range []error{wrongSecret, missingEntry, otherUser} {
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, apperr.KindDecryptAuthFailed, ae.Kind)
		assert.Equal(t, "unable to unlock key", ae.Message)
		assert.Empty(t, ae.Detail)
	}
}

func TestSaveUpsertsAndSetsRotatedAt(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(1, "openai", "sk-first", "pw"))
	status, err := s.GetStatus(1, "openai")
	require.NoError(t, err)
	assert.True(t, status.Present)
	assert.Nil(t, status.RotatedAt)

	require.NoError(t, s.Save(1, "openai", "sk-second", "pw"))
	status, err = s.GetStatus(1, "openai")
	require.NoError(t, err)
	assert.NotNil(t, status.RotatedAt)

	key, err := s.Unlock(1, "openai", "pw")
	require.NoError(t, err)
	assert.Equal(t, "sk-second", key)
}

func TestRotate(t *testing.T) {
	s := newTestStore(t)

	err := s.Rotate(1, "openai", "sk-new", "pw")
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.KindNotFound, ae.Kind)

	require.NoError(t, s.Save(1, "openai", "sk-old", "pw"))
	require.NoError(t, s.Rotate(1, "openai", "sk-new", "pw2"))

	_, err = s.Unlock(1, "openai", "pw")
	assert.Error(t, err, "old unlock secret must not open the rotated key")
	key, err := s.Unlock(1, "openai", "pw2")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", key)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Delete(1, "openai"))

	require.NoError(t, s.Save(1, "openai", "sk", "pw"))
	require.NoError(t, s.Delete(1, "openai"))
	status, err := s.GetStatus(1, "openai")
	require.NoError(t, err)
	assert.False(t, status.Present)

	require.NoError(t, s.Delete(1, "openai"))
}

func TestDeleteAllowsResave(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(1, "openai", "sk-a", "pw"))
	require.NoError(t, s.Delete(1, "openai"))
	require.NoError(t, s.Save(1, "openai", "sk-b", "pw"))
	key, err := s.Unlock(1, "openai", "pw")
	require.NoError(t, err)
	assert.Equal(t, "sk-b", key)
}

func TestListProviders(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(1, "anthropic", "a", "pw"))
	require.NoError(t, s.Save(1, "openai", "b", "pw"))
	require.NoError(t, s.Save(2, "google", "c", "pw"))

	providers, err := s.ListProviders(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anthropic", "openai"}, providers)
}

func TestValidationErrors(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(1, "openai", "", "pw"))
	assert.Error(t, s.Save(1, "openai", "sk", ""))
	_, err := s.Unlock(1, "openai", "")
	assert.Error(t, err)
}
