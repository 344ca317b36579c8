package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

// Encryption selects the AEAD construction used after compression.
type Encryption byte

const (
	EncryptionSecretbox Encryption = iota
	EncryptionAESGCM
)

func (e Encryption) String() string {
	switch e {
	case EncryptionSecretbox:
		return "secretbox"
	case EncryptionAESGCM:
		return "aes-256-gcm"
	default:
		return "unknown"
	}
}

const (
	secretboxNonceSize = 24
	secretboxKeySize   = 32
)

func seal(algo Encryption, key, plain []byte) (nonce, ciphertext []byte, err error) {
	switch algo {
	case EncryptionSecretbox:
		if len(key) != secretboxKeySize {
			return nil, nil, &engineerrors.EncryptionError{Reason: "secretbox key must be 32 bytes"}
		}
		var nonceArr [secretboxNonceSize]byte
		if _, err := rand.Read(nonceArr[:]); err != nil {
			return nil, nil, &engineerrors.EncryptionError{Reason: "generate nonce", Cause: err}
		}
		var keyArr [secretboxKeySize]byte
		copy(keyArr[:], key)
		out := secretbox.Seal(nil, plain, &nonceArr, &keyArr)
		return nonceArr[:], out, nil

	case EncryptionAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, nil, &engineerrors.EncryptionError{Reason: "construct aes cipher", Cause: err}
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, nil, &engineerrors.EncryptionError{Reason: "construct gcm", Cause: err}
		}
		nonce = make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, nil, &engineerrors.EncryptionError{Reason: "generate nonce", Cause: err}
		}
		ciphertext = gcm.Seal(nil, nonce, plain, nil)
		return nonce, ciphertext, nil

	default:
		return nil, nil, &engineerrors.EncryptionError{Reason: fmt.Sprintf("unsupported encryption algorithm %d", algo)}
	}
}

func open(algo Encryption, key, nonce, ciphertext []byte) ([]byte, error) {
	switch algo {
	case EncryptionSecretbox:
		if len(key) != secretboxKeySize {
			return nil, &engineerrors.EncryptionError{Reason: "secretbox key must be 32 bytes"}
		}
		if len(nonce) != secretboxNonceSize {
			return nil, &engineerrors.EncryptionError{Reason: "secretbox nonce must be 24 bytes"}
		}
		var nonceArr [secretboxNonceSize]byte
		copy(nonceArr[:], nonce)
		var keyArr [secretboxKeySize]byte
		copy(keyArr[:], key)
		out, ok := secretbox.Open(nil, ciphertext, &nonceArr, &keyArr)
		if !ok {
			return nil, &engineerrors.EncryptionError{Reason: "authentication failed"}
		}
		return out, nil

	case EncryptionAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, &engineerrors.EncryptionError{Reason: "construct aes cipher", Cause: err}
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, &engineerrors.EncryptionError{Reason: "construct gcm", Cause: err}
		}
		out, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, &engineerrors.EncryptionError{Reason: "authentication failed", Cause: err}
		}
		return out, nil

	default:
		return nil, &engineerrors.EncryptionError{Reason: fmt.Sprintf("unsupported encryption algorithm %d", algo)}
	}
}
