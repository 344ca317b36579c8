package codec

import (
	"encoding/binary"
	"fmt"
)

// envelope is the on-disk/on-wire blob format:
//
//	[1B schemaVersion][1B compressionAlgo][1B encryptionAlgo]
//	[2B keyID length][keyID][2B nonce length][nonce][ciphertext...]
type envelope struct {
	SchemaVersion byte
	Compression   byte
	Encryption    byte
	KeyID         string
	Nonce         []byte
	Ciphertext    []byte
}

func (e envelope) marshal() []byte {
	buf := make([]byte, 0, 3+2+len(e.KeyID)+2+len(e.Nonce)+len(e.Ciphertext))
	buf = append(buf, e.SchemaVersion, e.Compression, e.Encryption)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.KeyID)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.KeyID...)

	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Nonce)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Nonce...)

	buf = append(buf, e.Ciphertext...)
	return buf
}

func unmarshalEnvelope(blob []byte) (envelope, error) {
	if len(blob) < 3+2 {
		return envelope{}, fmt.Errorf("codec: envelope too short")
	}
	var e envelope
	e.SchemaVersion = blob[0]
	e.Compression = blob[1]
	e.Encryption = blob[2]
	pos := 3

	keyIDLen := int(binary.BigEndian.Uint16(blob[pos : pos+2]))
	pos += 2
	if len(blob) < pos+keyIDLen+2 {
		return envelope{}, fmt.Errorf("codec: envelope truncated in key id")
	}
	e.KeyID = string(blob[pos : pos+keyIDLen])
	pos += keyIDLen

	nonceLen := int(binary.BigEndian.Uint16(blob[pos : pos+2]))
	pos += 2
	if len(blob) < pos+nonceLen {
		return envelope{}, fmt.Errorf("codec: envelope truncated in nonce")
	}
	e.Nonce = blob[pos : pos+nonceLen]
	pos += nonceLen

	e.Ciphertext = blob[pos:]
	return e, nil
}
