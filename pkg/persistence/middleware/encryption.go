package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// envelopeKey is the only field of a sealed checkpoint's state.
const envelopeKey = "__encrypted__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

// ParseKey decodes a 32-byte key given as base64 or hex.
func ParseKey(s string) ([]byte, error) {
	if k, err := base64.StdEncoding.DecodeString(s); err == nil && len(k) == 32 {
		return k, nil
	}
	if k, err := hex.DecodeString(s); err == nil && len(k) == 32 {
		return k, nil
	}
	return nil, errors.New("key must be 32 bytes, encoded as base64 or hex")
}

type encryptionMiddleware struct {
	next   ports.CheckpointStore
	config EncryptionConfig
}

// sealed is the plaintext inside the envelope.
type sealed struct {
	State          domain.State `json:"state"`
	InterruptState domain.State `json:"interrupt_state,omitempty"`
}

// NewEncryptionMiddleware creates a middleware that encrypts checkpoint state using AES-GCM (Envelope Encryption).
// Routing metadata (step, next node, status) stays readable so stores can still order and list threads.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i)
		}
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}, nil
}

func (m *encryptionMiddleware) Save(ctx context.Context, cp *domain.Checkpoint) error {
	// 1. Serialize the sensitive parts
	payload := sealed{State: cp.State}
	if cp.PendingInterrupt != nil {
		payload.InterruptState = cp.PendingInterrupt.State
	}
	plainText, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// 2. Encrypt
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	// 3. Create envelope
	envelope := cp.Clone()
	envelope.State = domain.State{envelopeKey: base64.StdEncoding.EncodeToString(ciphertext)}
	if envelope.PendingInterrupt != nil {
		envelope.PendingInterrupt.State = nil
	}

	return m.next.Save(ctx, envelope)
}

func (m *encryptionMiddleware) open(cp *domain.Checkpoint) (*domain.Checkpoint, error) {
	encryptedStr, ok := cp.State[envelopeKey].(string)
	if !ok {
		// Fail secure: plain checkpoints are not accepted once encryption is configured.
		return nil, errors.New("checkpoint is missing encrypted data envelope")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	// Try Active, then Fallback
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var payload sealed
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}

	cp.State = payload.State
	if cp.PendingInterrupt != nil {
		cp.PendingInterrupt.State = payload.InterruptState
	}
	return cp, nil
}

func (m *encryptionMiddleware) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := m.next.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return m.open(cp)
}

func (m *encryptionMiddleware) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	cp, err := m.next.LoadAt(ctx, threadID, step)
	if err != nil {
		return nil, err
	}
	return m.open(cp)
}

func (m *encryptionMiddleware) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	return m.next.ListSteps(ctx, threadID)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, threadID string) error {
	return m.next.Delete(ctx, threadID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
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
