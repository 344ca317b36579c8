// Package codec implements the Codec (spec §4.3, C1): snapshots are
// compressed, then sealed under an AEAD with a named key before they ever
// reach the HotStore or ColdStore. Decode supports a rotation window by
// keeping the outgoing key alongside the new one in Config.Keys, so blobs
// written under either key still decode.
package codec

import (
	"fmt"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

const schemaVersion byte = 1

// Config controls compression, encryption, and key material. Keys maps
// keyID to a raw key; ActiveKeyID selects which entry new writes are
// sealed under. Older entries are kept only long enough to decode blobs
// written before a rotation.
type Config struct {
	Compression Compression
	Encryption  Encryption
	Keys        map[string][]byte
	ActiveKeyID string
}

// DefaultConfig returns a config with no keys configured; callers must
// populate Keys/ActiveKeyID before constructing a Codec.
func DefaultConfig() Config {
	return Config{
		Compression: CompressionLZ4,
		Encryption:  EncryptionSecretbox,
		Keys:        map[string][]byte{},
	}
}

func (c Config) Validate() error {
	if c.ActiveKeyID == "" {
		return fmt.Errorf("active_key_id must not be empty")
	}
	if _, ok := c.Keys[c.ActiveKeyID]; !ok {
		return fmt.Errorf("active_key_id %q not present in keys", c.ActiveKeyID)
	}
	return nil
}

// Codec encodes/decodes snapshot blobs.
type Codec struct {
	cfg Config
}

// New constructs a Codec.
func New(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{cfg: cfg}, nil
}

// Encode compresses then seals plain under the active key.
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	compressed, err := compress(c.cfg.Compression, plain)
	if err != nil {
		return nil, err
	}

	key := c.cfg.Keys[c.cfg.ActiveKeyID]
	nonce, ciphertext, err := seal(c.cfg.Encryption, key, compressed)
	if err != nil {
		return nil, err
	}

	env := envelope{
		SchemaVersion: schemaVersion,
		Compression:   byte(c.cfg.Compression),
		Encryption:    byte(c.cfg.Encryption),
		KeyID:         c.cfg.ActiveKeyID,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}
	return env.marshal(), nil
}

// Decode authenticates, decrypts, and decompresses blob. The key is
// looked up by the keyID embedded in the envelope, so any key still
// present in Config.Keys — current or a not-yet-evicted previous key —
// can decode.
func (c *Codec) Decode(blob []byte) ([]byte, error) {
	env, err := unmarshalEnvelope(blob)
	if err != nil {
		return nil, &engineerrors.EncryptionError{Reason: "malformed envelope", Cause: err}
	}

	key, ok := c.cfg.Keys[env.KeyID]
	if !ok {
		return nil, &engineerrors.EncryptionError{Reason: fmt.Sprintf("unknown key id %q", env.KeyID)}
	}

	compressed, err := open(Encryption(env.Encryption), key, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, err
	}

	return decompress(Compression(env.Compression), compressed)
}
