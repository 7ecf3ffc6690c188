// Package credentials seals the stored E.ON Next login so the refresh token
// is never written to storage in the clear.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

var (
	ErrNoKey      = errors.New("no credentials encryption key configured")
	ErrInvalidKey = fmt.Errorf("invalid credentials encryption key length (must be %d bytes)", KeySize)
)

// Sealer encrypts credentials with AES-GCM. The nonce is prepended to the
// ciphertext.
type Sealer struct {
	key []byte
}

// Configured sets up a Sealer from the credentials-encryption-key flag.
func Configured() *Sealer {
	s := &Sealer{}
	key := lflag.String("credentials-encryption-key", "", fmt.Sprintf("%d byte key used to encrypt stored credentials", KeySize))

	lflag.Do(func() {
		s.key = []byte(*key)
	})
	return s
}

// NewSealer returns a Sealer for key.
func NewSealer(key []byte) *Sealer {
	return &Sealer{key: key}
}

// Validate checks the key without sealing anything.
func (s *Sealer) Validate() error {
	_, err := s.aead()
	return err
}

func (s *Sealer) aead() (cipher.AEAD, error) {
	if len(s.key) == 0 {
		return nil, ErrNoKey
	}
	if len(s.key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts creds.
func (s *Sealer) Seal(ctx context.Context, creds types.Credentials) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt credentials", slog.Any("error", err))
		return nil, err
	}

	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}

// Open decrypts what Seal produced. Empty input yields empty credentials.
func (s *Sealer) Open(ctx context.Context, sealed []byte) (types.Credentials, error) {
	if len(sealed) == 0 {
		return types.Credentials{}, nil
	}

	gcm, err := s.aead()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, err
	}
	if len(sealed) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(sealed)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}
