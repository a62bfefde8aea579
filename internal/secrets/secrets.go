// Package secrets persists BYOK material with authenticated encryption.
//
// The encryption key is derived from the caller-supplied unlock secret, not
// from server-held material: the server alone cannot decrypt a stored key.
// KDF parameters live with each record so iterations can be raised without
// re-encrypting old entries.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/pkg/models"
)

const (
	kdfIterations = 210000 // OWASP 2023 recommendation for PBKDF2-SHA256
	saltLen       = 16
	keyLen        = 32
)

// Status is key metadata, never the key itself.
type Status struct {
	Present   bool       `json:"present"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// Store manages the BYOK table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save upserts the user's key for a provider, sealing it under the unlock
// secret. At most one entry exists per (user, provider).
func (s *Store) Save(userID uint, provider, apiKey, unlockSecret string) error {
	if apiKey == "" {
		return apperr.InvalidArgument("apiKey is required")
	}
	if unlockSecret == "" {
		return apperr.InvalidArgument("unlockSecret is required")
	}

	ciphertext, salt, err := seal(userID, apiKey, unlockSecret)
	if err != nil {
		return apperr.Internal("encrypt key").WithCause(err)
	}

	var existing models.UserAPIKey
	err = s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&existing).Error
	if err == nil {
		now := time.Now().UTC()
		return s.db.Model(&existing).Updates(map[string]interface{}{
			"ciphertext":     ciphertext,
			"kdf_salt":       salt,
			"kdf_iterations": kdfIterations,
			"rotated_at":     now,
		}).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Internal("lookup key").WithCause(err)
	}

	return s.db.Create(&models.UserAPIKey{
		UserID:        userID,
		Provider:      provider,
		Ciphertext:    ciphertext,
		KDFSalt:       salt,
		KDFIterations: kdfIterations,
	}).Error
}

// GetStatus returns metadata for the (user, provider) entry.
func (s *Store) GetStatus(userID uint, provider string) (Status, error) {
	var key models.UserAPIKey
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{Present: false}, nil
	}
	if err != nil {
		return Status{}, apperr.Internal("lookup key").WithCause(err)
	}
	return Status{Present: true, CreatedAt: key.CreatedAt, RotatedAt: key.RotatedAt}, nil
}

// Rotate replaces the stored key atomically. The old ciphertext becomes
// unreadable because the new salt invalidates the previous derivation.
func (s *Store) Rotate(userID uint, provider, newAPIKey, unlockSecret string) error {
	var key models.UserAPIKey
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("no key stored for provider %q", provider)
	}
	if err != nil {
		return apperr.Internal("lookup key").WithCause(err)
	}
	return s.Save(userID, provider, newAPIKey, unlockSecret)
}

// Delete removes the entry. Idempotent: deleting a missing entry succeeds.
func (s *Store) Delete(userID uint, provider string) error {
	err := s.db.Unscoped().
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&models.UserAPIKey{}).Error
	if err != nil {
		return apperr.Internal("delete key").WithCause(err)
	}
	return nil
}

// ListProviders returns the providers the user has keys stored for.
func (s *Store) ListProviders(userID uint) ([]string, error) {
	var keys []models.UserAPIKey
	if err := s.db.Where("user_id = ?", userID).Find(&keys).Error; err != nil {
		return nil, apperr.Internal("list keys").WithCause(err)
	}
	providers := make([]string, 0, len(keys))
	for _, k := range keys {
		providers = append(providers, k.Provider)
	}
	return providers, nil
}

// Unlock decrypts the stored key. A wrong unlock secret and a missing entry
// are indistinguishable in both message and timing: the missing-entry path
// runs the same KDF against a dummy record before failing.
func (s *Store) Unlock(userID uint, provider, unlockSecret string) (string, error) {
	if unlockSecret == "" {
		return "", apperr.DecryptAuthFailed()
	}

	var key models.UserAPIKey
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		burnKDF(userID, unlockSecret)
		return "", apperr.DecryptAuthFailed()
	}
	if err != nil {
		return "", apperr.Internal("lookup key").WithCause(err)
	}

	plaintext, err := open(userID, key.Ciphertext, key.KDFSalt, key.KDFIterations, unlockSecret)
	if err != nil {
		return "", apperr.DecryptAuthFailed()
	}
	return plaintext, nil
}

// deriveKey binds the derivation to the user so the same unlock secret used
// by two users yields different keys.
func deriveKey(userID uint, unlockSecret string, salt []byte, iterations int) []byte {
	material := []byte(fmt.Sprintf("%s|user:%d", unlockSecret, userID))
	return pbkdf2.Key(material, salt, iterations, keyLen, sha256.New)
}

// burnKDF equalizes the timing of the missing-entry path.
func burnKDF(userID uint, unlockSecret string) {
	salt := make([]byte, saltLen)
	_ = deriveKey(userID, unlockSecret, salt, kdfIterations)
}

func seal(userID uint, plaintext, unlockSecret string) (ciphertextB64, saltB64 string, err error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(userID, unlockSecret, salt, kdfIterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(salt),
		nil
}

func open(userID uint, ciphertextB64, saltB64 string, iterations int, unlockSecret string) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("invalid salt")
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext")
	}
	if iterations <= 0 {
		iterations = kdfIterations
	}

	key := deriveKey(userID, unlockSecret, salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
