package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

const sealerIterations = 4096

// sealer encrypts opaque payload blobs (role information, timetable shift
// maps, custom credentials) at rest with AES-GCM. The AES key is derived from
// the configured passphrase and salt.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(passphrase, salt string) (*sealer, error) {
	if passphrase == "" || salt == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument,
			"encryption requires both a cipher key and a key-derivation salt")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(salt), sealerIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "new cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "new gcm", err)
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts one payload. Stored as nonce || ciphertext.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	// AES-GCM requires a unique nonce per encryption under the same key.
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "read nonce", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts one previously sealed payload.
func (s *sealer) open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, platformerrors.New(platformerrors.CodeStorageFailure, "sealed payload too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "open sealed payload", err)
	}
	return plaintext, nil
}

// sealPayload passes the payload through the sealer when encryption is on.
func (s *Store) sealPayload(plaintext []byte) ([]byte, error) {
	if s.sealer == nil {
		return plaintext, nil
	}
	return s.sealer.seal(plaintext)
}

// openPayload reverses sealPayload.
func (s *Store) openPayload(stored []byte) ([]byte, error) {
	if s.sealer == nil {
		return stored, nil
	}
	return s.sealer.open(stored)
}
