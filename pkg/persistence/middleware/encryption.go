package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// EnvelopeKey is the payload key holding the sealed record.
const EnvelopeKey = "__encrypted__"

// ErrNotEncrypted is returned when a stored record carries no envelope.
var ErrNotEncrypted = errors.New("record is missing encrypted data envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.StateStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts records using
// AES-GCM. The wrapped store only sees an envelope carrying the IDs and
// timestamps; payload, history and interrupts are sealed.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.StateStore) ports.StateStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}
}

// DecodeKey parses a base64 AES-256 key as found in configuration.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (m *encryptionMiddleware) Create(ctx context.Context, record *domain.TaskRecord) error {
	envelope, err := m.seal(record)
	if err != nil {
		return err
	}
	return m.next.Create(ctx, envelope)
}

func (m *encryptionMiddleware) Save(ctx context.Context, record *domain.TaskRecord) error {
	envelope, err := m.seal(record)
	if err != nil {
		return err
	}
	return m.next.Save(ctx, envelope)
}

func (m *encryptionMiddleware) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	envelope, err := m.next.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return m.open(envelope)
}

// Apply decrypts, merges and re-seals inside the wrapped store's Apply, so
// the wrapped store's atomicity still holds.
func (m *encryptionMiddleware) Apply(ctx context.Context, threadID string, fn ports.DeltaFunc) (*domain.TaskRecord, error) {
	var merged *domain.TaskRecord
	_, err := m.next.Apply(ctx, threadID, func(envelope *domain.TaskRecord) (domain.Delta, error) {
		rec, err := m.open(envelope)
		if err != nil {
			return domain.Delta{}, err
		}
		delta, err := fn(rec.Clone())
		if err != nil {
			return domain.Delta{}, err
		}
		rec.Apply(delta)
		sealed, err := m.encode(rec)
		if err != nil {
			return domain.Delta{}, err
		}
		merged = rec
		return domain.Delta{Payload: map[string]any{EnvelopeKey: sealed}}, nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (m *encryptionMiddleware) Delete(ctx context.Context, threadID string) error {
	return m.next.Delete(ctx, threadID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *encryptionMiddleware) seal(record *domain.TaskRecord) (*domain.TaskRecord, error) {
	sealed, err := m.encode(record)
	if err != nil {
		return nil, err
	}
	// Only what listing and eviction need stays in the clear.
	return &domain.TaskRecord{
		TaskID:    record.TaskID,
		ThreadID:  record.ThreadID,
		Payload:   map[string]any{EnvelopeKey: sealed},
		History:   []domain.Turn{},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

func (m *encryptionMiddleware) encode(record *domain.TaskRecord) (string, error) {
	plainText, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (m *encryptionMiddleware) open(envelope *domain.TaskRecord) (*domain.TaskRecord, error) {
	encryptedStr, ok := envelope.Payload[EnvelopeKey].(string)
	if !ok {
		return nil, ErrNotEncrypted
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record: %w", err)
	}

	var rec domain.TaskRecord
	if err := json.Unmarshal(plainText, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted record: %w", err)
	}
	return &rec, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
